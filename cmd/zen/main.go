// Command zen evaluates decisions, expressions and templates from the
// command line and serves them over HTTP.
package main

func main() {
	Execute()
}
