// Command querygate is a security-gated database tool server speaking
// JSON-RPC over stdio.
package main

import "github.com/query-gate/querygate/cmd/querygate/cmd"

func main() {
	cmd.Execute()
}
