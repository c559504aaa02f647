// Command rpcbridge serves JSON-RPC procedures over HTTP through the bridge.
//
// Configuration is read from rpcbridge.yaml in the working directory,
// $HOME/.rpcbridge/ or /etc/rpcbridge/, from a .env file and from RPCBRIDGE_*
// environment variables, e.g. RPCBRIDGE_SERVER_ADDR=:9090.
package main

import "os"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}
