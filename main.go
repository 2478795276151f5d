// Command vision-catalog crawls and serves the Binance public data catalog.
package main

import "github.com/JakeFAU/vision-catalog/cmd"

func main() {
	cmd.Execute()
}
