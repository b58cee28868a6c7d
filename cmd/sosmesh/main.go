// Command sosmesh runs an SOS mesh device and talks to a running one.
package main

func main() {
	Execute()
}
