package main

import (
	"log"

	"github.com/spf13/cobra"

	brokercli "github.com/amirimatin/go-broker/pkg/cli"
)

func main() {
	if err := newRoot().Execute(); err != nil {
		log.Fatal(err)
	}
}

func newRoot() *cobra.Command {
	root := &cobra.Command{
		Use:           "brokerctl",
		Short:         "go-broker node and management CLI",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	brokercli.AddAll(root)
	return root
}
