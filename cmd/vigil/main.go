// Command vigil validates commits asynchronously: the pre-commit hook
// decides on the previous run and launches validation of the current one
// in the background.
package main

func main() {
	Execute()
}
