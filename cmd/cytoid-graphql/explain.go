package main

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/goccy/go-json"
	"github.com/spf13/cobra"

	"cytoid-graphql/internal/config"
	"cytoid-graphql/internal/serverapp"
)

var explainInput io.Reader = os.Stdin

func explainCmd() *cobra.Command {
	var (
		file      string
		operation string
		variables string
		subject   string
	)

	c := &cobra.Command{
		Use:   "explain [query]",
		Short: "Print the SQL a GraphQL query compiles to without touching the database",
		Long: "Compiles a GraphQL document against the community schema and prints each root\n" +
			"statement with its bound arguments. The query is read from the argument,\n" +
			"from --file, or from stdin when neither is given.",
		Args: cobra.MaximumNArgs(1),
	}
	config.DefineFlags(c.Flags())
	c.Flags().StringVarP(&file, "file", "f", "", "read the query from a file")
	c.Flags().StringVar(&operation, "operation", "", "operation name to execute")
	c.Flags().StringVar(&variables, "variables", "", "variables as a JSON object")
	c.Flags().StringVar(&subject, "as", "", "run as this authenticated user id")

	c.RunE = func(cmd *cobra.Command, args []string) error {
		query, err := readQuery(args, file)
		if err != nil {
			return err
		}

		var vars map[string]interface{}
		if variables != "" {
			if err := json.Unmarshal([]byte(variables), &vars); err != nil {
				return fmt.Errorf("invalid --variables: %w", err)
			}
		}

		cfg, err := config.Load(cmd.Flags())
		if err != nil {
			return fmt.Errorf("failed to load configuration: %w", err)
		}

		result, err := serverapp.Explain(cmd.Context(), cfg, serverapp.ExplainRequest{
			Query:         query,
			OperationName: operation,
			Variables:     vars,
			Subject:       subject,
		})
		if err != nil {
			return err
		}
		return printExplain(cmd.OutOrStdout(), result)
	}
	return c
}

func readQuery(args []string, file string) (string, error) {
	var (
		raw []byte
		err error
	)
	switch {
	case len(args) == 1 && file != "":
		return "", fmt.Errorf("pass the query as an argument or with --file, not both")
	case len(args) == 1:
		raw = []byte(args[0])
	case file != "":
		raw, err = os.ReadFile(file)
	default:
		raw, err = io.ReadAll(explainInput)
	}
	if err != nil {
		return "", fmt.Errorf("failed to read query: %w", err)
	}

	query := strings.TrimSpace(string(raw))
	if query == "" {
		return "", fmt.Errorf("query is empty")
	}
	return query, nil
}

func printExplain(w io.Writer, result *serverapp.ExplainResult) error {
	fmt.Fprintf(w, "-- dialect: %s\n", result.Dialect)
	for i, stmt := range result.Statements {
		args, err := json.Marshal(stmt.Args)
		if err != nil {
			return fmt.Errorf("encode arguments of statement %d: %w", i+1, err)
		}
		fmt.Fprintf(w, "\n-- statement %d\n%s;\n-- args: %s\n", i+1, stmt.SQL, args)
	}
	if len(result.Statements) == 0 {
		fmt.Fprintln(w, "-- no statements")
	}
	if len(result.Errors) > 0 {
		msgs := make([]string, 0, len(result.Errors))
		for _, e := range result.Errors {
			msgs = append(msgs, e.Error())
		}
		return fmt.Errorf("query failed: %s", strings.Join(msgs, "; "))
	}
	return nil
}
