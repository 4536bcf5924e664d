package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

type commandLineFlag struct {
	name, shorthand, defaultValue, usage string
	required                             bool
	isBool                               bool
}

var (
	configFlag = commandLineFlag{
		name:      "config",
		shorthand: "c",
		usage:     "config file (default is $HOME/.config/dagsched/config.yaml)",
	}
	quietFlag = commandLineFlag{
		name:      "quiet",
		shorthand: "q",
		usage:     "suppress log output",
		isBool:    true,
	}
	dagsFlag = commandLineFlag{
		name:      "dags",
		shorthand: "d",
		usage:     "location of DAG files (default is $HOME/.config/dagsched/dags)",
	}
	startDateFlag = commandLineFlag{
		name:      "start-date",
		shorthand: "s",
		usage:     "first logical date, YYYY-MM-DD or RFC 3339",
	}
	endDateFlag = commandLineFlag{
		name:      "end-date",
		shorthand: "e",
		usage:     "last logical date, YYYY-MM-DD or RFC 3339",
	}
)

func initFlags(cmd *cobra.Command, additionalFlags ...commandLineFlag) {
	flags := append([]commandLineFlag{configFlag, quietFlag}, additionalFlags...)
	for _, flag := range flags {
		if flag.isBool {
			cmd.Flags().BoolP(flag.name, flag.shorthand, flag.defaultValue == "true", flag.usage)
		} else {
			cmd.Flags().StringP(flag.name, flag.shorthand, flag.defaultValue, flag.usage)
		}
		if flag.required {
			if err := cmd.MarkFlagRequired(flag.name); err != nil {
				fmt.Printf("failed to mark flag %s as required: %v\n", flag.name, err)
			}
		}
	}
}
