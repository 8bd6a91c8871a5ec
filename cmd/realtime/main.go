// Command realtime subscribes to database change notifications, signs in,
// and prints every change it receives.
package main

import (
	"os"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}
