package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/openclearing/hubd/internal/config"
)

var genConfigOut string

var genConfigCmd = &cobra.Command{
	Use:   "genconfig",
	Short: "Write an annotated example configuration file",
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := config.SaveExampleConfig(genConfigOut); err != nil {
			return err
		}
		if !quiet {
			fmt.Printf("wrote %s\n", genConfigOut)
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(genConfigCmd)
	genConfigCmd.Flags().StringVarP(&genConfigOut, "out", "o", "hubd.toml", "output path")
}
