// Command meshkeygen prints a fresh 32-byte pre-shared key as 64 lowercase
// hex characters, suitable for the --key flag of meshnode.
package main

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"os"
)

func main() {
	key := make([]byte, 32)
	if _, err := rand.Read(key); err != nil {
		fmt.Fprintf(os.Stderr, "meshkeygen: %v\n", err)
		os.Exit(1)
	}
	fmt.Println(hex.EncodeToString(key))
}
