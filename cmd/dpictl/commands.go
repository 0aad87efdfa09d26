package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/mesikahq/dpi/internal/record"
	"github.com/mesikahq/dpi/pkg/client"
)

type options struct {
	server  string
	token   string
	timeout time.Duration
}

func (o *options) client() *client.Client {
	return client.New(o.server, client.WithToken(o.token), client.WithTimeout(o.timeout))
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func printJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func newRootCmd() *cobra.Command {
	opts := &options{}
	root := &cobra.Command{
		Use:           "dpictl",
		Short:         "Command line client for the DPI API",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&opts.server, "server", envOr("DPI_SERVER", "http://localhost:8080"), "API base URL")
	root.PersistentFlags().StringVar(&opts.token, "token", os.Getenv("DPI_TOKEN"), "Bearer token")
	root.PersistentFlags().DurationVar(&opts.timeout, "timeout", 30*time.Second, "Request timeout")

	root.AddCommand(loginCmd(opts))
	root.AddCommand(recordCmd(opts))
	root.AddCommand(labCmd(opts))
	root.AddCommand(staffCmd(opts))
	root.AddCommand(auditCmd(opts))
	return root
}

func loginCmd(opts *options) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "login",
		Short: "Log in and print a bearer token",
		RunE: func(cmd *cobra.Command, args []string) error {
			email, _ := cmd.Flags().GetString("email")
			password, _ := cmd.Flags().GetString("password")
			res, err := opts.client().Login(cmd.Context(), email, password)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), res.Token)
			return nil
		},
	}
	cmd.Flags().String("email", "", "Account email")
	cmd.Flags().String("password", "", "Account password")
	_ = cmd.MarkFlagRequired("email")
	return cmd
}

func recordCmd(opts *options) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "record",
		Short: "Medical records",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List medical records",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			views, err := opts.client().ListRecords(cmd.Context())
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), views)
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "get NSS",
		Short: "Show a medical record",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			view, err := opts.client().GetRecord(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), view)
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "full NSS",
		Short: "Show a medical record with every entry",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			full, err := opts.client().FullRecord(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), full)
		},
	})

	create := &cobra.Command{
		Use:   "create",
		Short: "Create a patient and their record from a JSON file",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			path, _ := cmd.Flags().GetString("file")
			data, err := os.ReadFile(path)
			if err != nil {
				return err
			}
			var reg record.Registration
			if err := json.Unmarshal(data, &reg); err != nil {
				return fmt.Errorf("parse %s: %w", path, err)
			}
			view, err := opts.client().CreateRecord(cmd.Context(), reg)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), view)
		},
	}
	create.Flags().StringP("file", "f", "", "Registration JSON file")
	_ = create.MarkFlagRequired("file")
	cmd.AddCommand(create)

	qr := &cobra.Command{
		Use:   "qr NSS",
		Short: "Save the QR identifier of a record as PNG",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			out, _ := cmd.Flags().GetString("output")
			png, err := opts.client().IdentifierImage(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if out == "" {
				out = args[0] + ".png"
			}
			if err := os.WriteFile(out, png, 0o600); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "wrote %s\n", out)
			return nil
		},
	}
	qr.Flags().StringP("output", "o", "", "Output file (default NSS.png)")
	cmd.AddCommand(qr)

	return cmd
}

func labCmd(opts *options) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "lab",
		Short: "Lab panels",
	}

	fill := &cobra.Command{
		Use:   "fill PANEL_ID",
		Short: "Record the results of a lab panel",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := strconv.ParseInt(args[0], 10, 64)
			if err != nil {
				return fmt.Errorf("invalid panel id %q", args[0])
			}
			glycemia, _ := cmd.Flags().GetFloat64("glycemia")
			cholesterol, _ := cmd.Flags().GetFloat64("cholesterol")
			bp, _ := cmd.Flags().GetString("blood-pressure")

			panel, err := opts.client().FillLabPanel(cmd.Context(), id, record.LabResultsInput{
				Glycemia:      &glycemia,
				Cholesterol:   &cholesterol,
				BloodPressure: bp,
			})
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), panel)
		},
	}
	fill.Flags().Float64("glycemia", 0, "Glycemia (g/L)")
	fill.Flags().Float64("cholesterol", 0, "Cholesterol (g/L)")
	fill.Flags().String("blood-pressure", "", "Blood pressure, e.g. 120/80")
	cmd.AddCommand(fill)

	return cmd
}

func staffCmd(opts *options) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "staff",
		Short: "Staff accounts",
	}

	list := &cobra.Command{
		Use:   "list",
		Short: "List staff accounts",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			role, _ := cmd.Flags().GetString("role")
			staff, err := opts.client().ListStaff(cmd.Context(), role)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), staff)
		},
	}
	list.Flags().String("role", "", "Filter by role")
	cmd.AddCommand(list)

	cmd.AddCommand(&cobra.Command{
		Use:   "delete ID",
		Short: "Delete a staff account",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := strconv.ParseInt(args[0], 10, 64)
			if err != nil {
				return fmt.Errorf("invalid staff id %q", args[0])
			}
			return opts.client().DeleteStaff(cmd.Context(), id)
		},
	})

	return cmd
}

func auditCmd(opts *options) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "audit",
		Short: "Query audit events",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			var q client.AuditQuery
			q.UserID, _ = cmd.Flags().GetString("user")
			q.EventType, _ = cmd.Flags().GetString("type")
			q.Resource, _ = cmd.Flags().GetString("resource")
			q.From, _ = cmd.Flags().GetInt("from")
			q.Size, _ = cmd.Flags().GetInt("size")
			events, err := opts.client().AuditEvents(cmd.Context(), q)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), events)
		},
	}
	cmd.Flags().String("user", "", "Filter by user id")
	cmd.Flags().String("type", "", "Filter by event type")
	cmd.Flags().String("resource", "", "Filter by resource")
	cmd.Flags().Int("from", 0, "Offset")
	cmd.Flags().Int("size", 20, "Page size")
	return cmd
}
