package commands

import (
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"vicedtools/internal/export"
	"vicedtools/internal/portal/keypad"
	"vicedtools/lib/util/serviceutil"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"
	"github.com/spf13/cobra"
	"github.com/titanous/json5"
)

var keypadAccount *string
var keypadSecret *string

func init() {
	keypadAccount = keypadCmd.Flags().String("account", "", "The account whose grid_password is previewed, the first account by default.")
	keypadSecret = keypadCmd.Flags().String("secret", "", "A secret to preview instead of the configured one, ex. \"[[2,1],[5,2]]\".")
	rootCmd.AddCommand(keypadCmd)
}

func parseSecret(raw string) ([]keypad.Coordinate, error) {
	var secret []keypad.Coordinate
	err := json5.Unmarshal([]byte(raw), &secret)
	if err != nil {
		return nil, fmt.Errorf("parse secret: %w", err)
	}
	return secret, nil
}

func configuredSecret(account string) ([]keypad.Coordinate, error) {
	cfg, err := LoadConfig(*configPath)
	if err != nil {
		return nil, err
	}
	if account == "" {
		return cfg.Accounts[0].GridPassword, nil
	}
	a, ok := cfg.Account(account)
	if !ok {
		return nil, fmt.Errorf("unknown account %q", account)
	}
	return a.GridPassword, nil
}

// renderKeypad prints the grid with the cells of `secret` marked by the
// position they are entered in and returns the mapped passcode.
func renderKeypad(out io.Writer, layout keypad.Layout, secret []keypad.Coordinate) (string, error) {
	values, err := keypad.Map(secret, layout)
	if err != nil {
		return "", err
	}

	order := map[keypad.Coordinate][]string{}
	for i, c := range secret {
		order[c] = append(order[c], strconv.Itoa(i+1))
	}

	t := export.NewTable(out)
	header := table.Row{""}
	for column := 1; column <= layout.Columns; column++ {
		header = append(header, column)
	}
	t.AppendHeader(header)

	for row := 1; row <= layout.Rows(); row++ {
		line := table.Row{row}
		for column := 1; column <= layout.Columns; column++ {
			c := keypad.Coordinate{Column: column, Row: row}
			value, err := layout.At(c)
			if err != nil {
				return "", err
			}
			if positions, ok := order[c]; ok {
				line = append(line, text.FgGreen.Sprintf("[%s] %s", value, strings.Join(positions, ",")))
				continue
			}
			line = append(line, value)
		}
		t.AppendRow(line)
	}
	t.Render()

	return strings.Join(values, ""), nil
}

var keypadCmd = &cobra.Command{
	Use:   "keypad <saved-keypad-page.html> [--account <name>] [--secret <coordinates>]",
	Short: "Previews how a grid password maps onto a saved keypad page.",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		body, err := os.ReadFile(args[0])
		if err != nil {
			serviceutil.Fatal("failed to read keypad page", err)
		}
		layout, err := keypad.ParseLayout(body)
		if err != nil {
			serviceutil.Fatal("failed to parse keypad", err)
		}

		var secret []keypad.Coordinate
		if *keypadSecret != "" {
			secret, err = parseSecret(*keypadSecret)
		} else {
			secret, err = configuredSecret(*keypadAccount)
		}
		if err != nil {
			serviceutil.Fatal("failed to read grid password", err)
		}

		passcode, err := renderKeypad(os.Stdout, layout, secret)
		if err != nil {
			serviceutil.Fatal("failed to map grid password", err)
		}
		fmt.Println("passcode:", passcode)
	},
}
