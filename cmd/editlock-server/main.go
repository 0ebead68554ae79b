// Command editlock-server serves the edit-lock endpoints of an admin
// interface backed by an in-memory, ristretto or Redis cache.
package main

func main() {
	Execute()
}
