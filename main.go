// The main package for the crawler executable.
package main

import (
	"github.com/jobsift/crawler/cmd"
)

func main() {
	cmd.Execute()
}
