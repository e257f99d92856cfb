// Command meshstress drives a meshpool Manager on the software device with
// concurrent packing workers and a render loop, and reports pool statistics.
package main

func main() {
	execute()
}
