package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sort"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/golang/glog"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"sheetsync/internal/app"
	"sheetsync/internal/config"
	"sheetsync/internal/db"
	"sheetsync/internal/server"
	sheetsyncsdk "sheetsync/sdk/go"
)

var rootCmd = &cobra.Command{
	Use:   "sheetsync",
	Short: "Sheetsync CLI",
	Long: `Sheetsync keeps datasheets in sync through per-datasheet changelogs.
- Datasheet: fields, records and views, at a revision.
- Changelog: the ordered commands (CREATE_ROW, UPDATE_CELLVALUE) applied to a datasheet; revision N is the Nth entry.
- Lookup: a cell that mirrors a cell in another datasheet; updates to the target are appended to the dependent log.
- Sync: clients follow a datasheet over a websocket and receive every entry after their revision, in order.
- Journal: record of appends, propagations and stalls, view with 'sheetsync log tail'.`,
	SilenceUsage: true,
}

func main() {
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := rootCmd.ExecuteContext(ctx)
	stop()
	glog.Flush()
	if err != nil {
		fmt.Println("error:", err)
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("SHEETSYNC")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().String("config", "", "config file (default <workspace>/sheetsync.yml)")
	rootCmd.PersistentFlags().String("server", "http://127.0.0.1:8080", "sheetsync server URL")
	rootCmd.PersistentFlags().String("base-path", config.DefaultBasePath, "API base path")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("config", rootCmd.PersistentFlags().Lookup("config"))
	_ = viper.BindPFlag("server", rootCmd.PersistentFlags().Lookup("server"))
	_ = viper.BindPFlag("base-path", rootCmd.PersistentFlags().Lookup("base-path"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))

	// glog registers on the standard flag set.
	_ = flag.Set("logtostderr", "true")
	rootCmd.PersistentFlags().AddGoFlagSet(flag.CommandLine)
}

func registerCommands() {
	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(showCmd())
	rootCmd.AddCommand(recordCmd())
	rootCmd.AddCommand(createRowCmd())
	rootCmd.AddCommand(updateCmd())
	rootCmd.AddCommand(changelogCmd())
	rootCmd.AddCommand(statusCmd())
	rootCmd.AddCommand(resumeCmd())
	rootCmd.AddCommand(linkCmd())
	rootCmd.AddCommand(watchCmd())
	rootCmd.AddCommand(logCmd())
}

func serveCmd() *cobra.Command {
	var addr string
	var inMemory bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the sync server",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("addr") {
				cfg.Server.Addr = addr
			}
			if cmd.Flags().Changed("base-path") {
				cfg.Server.BasePath = viper.GetString("base-path")
			}
			if cfg.Journal.Enabled && !inMemory {
				if _, err := db.EnsureWorkspace(workspace); err != nil {
					return err
				}
			}
			rt, err := app.Bootstrap(cmd.Context(), cfg, app.Options{Workspace: workspace, InMemoryJournal: inMemory})
			if err != nil {
				return err
			}
			defer rt.Close()

			ctx, cancel := context.WithCancel(cmd.Context())
			defer cancel()
			go rt.Engine.Run(ctx)

			handler, err := server.New(server.Config{Engine: rt.Engine, BasePath: cfg.Server.BasePath})
			if err != nil {
				return err
			}
			srv := &http.Server{Addr: cfg.Server.Addr, Handler: handler}
			go func() {
				<-ctx.Done()
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				srv.Shutdown(shutdownCtx)
			}()
			fmt.Printf("Serving Sheetsync on http://%s%s (sync socket at /sync, OpenAPI at %s/openapi.json, metrics at /metrics)\n",
				cfg.Server.Addr, cfg.Server.BasePath, cfg.Server.BasePath)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", config.DefaultAddr, "listen address")
	cmd.Flags().BoolVar(&inMemory, "memory-journal", false, "keep the journal in memory")
	return cmd
}

func configCmd() *cobra.Command {
	cfg := &cobra.Command{
		Use:   "config",
		Short: "Inspect config",
		Long:  "Config seeds the server: datasheets with fields and records, lookup links, webhooks, dispatch and journal settings. Without sheetsync.yml the demo config is used.",
	}
	cfg.AddCommand(configShowCmd())
	cfg.AddCommand(configValidateCmd())
	return cfg
}

func configShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Show loaded config as YAML",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if viper.GetBool("json") {
				return printJSON(cfg)
			}
			out, err := yaml.Marshal(cfg)
			if err != nil {
				return err
			}
			fmt.Print(string(out))
			return nil
		},
	}
}

func configValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Validate config file",
		RunE: func(cmd *cobra.Command, args []string) error {
			_, err := loadConfig()
			if viper.GetBool("json") {
				return printJSON(map[string]any{"ok": err == nil, "error": fmt.Sprint(err)})
			}
			if err != nil {
				return err
			}
			fmt.Println("config OK")
			return nil
		},
	}
}

func showCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <datasheet>",
		Short: "Show a datasheet with lookup cells resolved",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			d, err := newClient().Datasheet(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if viper.GetBool("json") {
				return printJSON(d)
			}
			renderDatasheet(d)
			return nil
		},
	}
}

func recordCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "record <datasheet> <record>",
		Short: "Show a raw record",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			rec, err := newClient().Record(cmd.Context(), args[0], args[1])
			if err != nil {
				return err
			}
			return printJSONOrTable(rec)
		},
	}
}

func createRowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "create-row <datasheet>",
		Short: "Append a CREATE_ROW command",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			res, err := newClient().CreateRow(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return printJSONOrTable(res)
		},
	}
}

func updateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "update <datasheet> <record> <field> <value>",
		Short: "Append an UPDATE_CELLVALUE command",
		Args:  cobra.ExactArgs(4),
		RunE: func(cmd *cobra.Command, args []string) error {
			res, err := newClient().UpdateCellValue(cmd.Context(), args[0], args[1], args[2], args[3])
			if err != nil {
				return err
			}
			return printJSONOrTable(res)
		},
	}
}

func changelogCmd() *cobra.Command {
	var revision int64
	cmd := &cobra.Command{
		Use:   "changelog <datasheet>",
		Short: "List changelog entries after a revision",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			entries, err := newClient().Changelog(cmd.Context(), args[0], revision)
			if err != nil {
				return err
			}
			if viper.GetBool("json") {
				return printJSON(entries)
			}
			tw := table.NewWriter()
			tw.SetOutputMirror(os.Stdout)
			tw.AppendHeader(table.Row{"Revision", "Command", "Args"})
			for _, e := range entries {
				tw.AppendRow(table.Row{e.Revision, e.Command.Type, strings.Join(e.Command.Args, " ")})
			}
			tw.Render()
			return nil
		},
	}
	cmd.Flags().Int64Var(&revision, "revision", 0, "list entries after this revision")
	return cmd
}

func statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status <datasheet>",
		Short: "Show dispatch status",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := newClient().Status(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if viper.GetBool("json") {
				return printJSON(st)
			}
			fmt.Printf("Datasheet: %s\n", st.DatasheetID)
			fmt.Printf("Revision: %d (head %d, pending %d)\n", st.Revision, st.Head, st.Pending)
			fmt.Printf("Subscribers: %d\n", st.Subscribers)
			if st.Stalled {
				fmt.Printf("Stalled at revision %d: %s\n", st.StalledAt, st.StallError)
			}
			return nil
		},
	}
}

func resumeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "resume <datasheet>",
		Short: "Clear a dispatch stall",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := newClient().Resume(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return printJSONOrTable(st)
		},
	}
}

func linkCmd() *cobra.Command {
	var from, to string
	cmd := &cobra.Command{
		Use:   "link",
		Short: "Link a lookup cell to a target cell",
		Long:  "Coordinates are datasheet.record.field, e.g. sheetsync link --from 1.rcd2.lookup1 --to 2.rcd4.text2",
		RunE: func(cmd *cobra.Command, args []string) error {
			dependent, err := parseCoord(from)
			if err != nil {
				return fmt.Errorf("--from: %w", err)
			}
			target, err := parseCoord(to)
			if err != nil {
				return fmt.Errorf("--to: %w", err)
			}
			created, err := newClient().CreateLink(cmd.Context(), dependent, target)
			if err != nil {
				return err
			}
			if viper.GetBool("json") {
				return printJSON(map[string]any{"created": created})
			}
			if created {
				fmt.Printf("linked %s -> %s\n", from, to)
			} else {
				fmt.Printf("%s already mirrors %s\n", from, to)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&from, "from", "", "lookup cell (datasheet.record.field)")
	cmd.Flags().StringVar(&to, "to", "", "target cell (datasheet.record.field)")
	_ = cmd.MarkFlagRequired("from")
	_ = cmd.MarkFlagRequired("to")
	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List lookup links",
		RunE: func(cmd *cobra.Command, args []string) error {
			links, err := newClient().Links(cmd.Context())
			if err != nil {
				return err
			}
			if viper.GetBool("json") {
				return printJSON(links)
			}
			tw := table.NewWriter()
			tw.SetOutputMirror(os.Stdout)
			tw.AppendHeader(table.Row{"Lookup", "Target"})
			for _, l := range links {
				tw.AppendRow(table.Row{formatCoord(l.Dependent), formatCoord(l.Target)})
			}
			tw.Render()
			return nil
		},
	})
	return cmd
}

func watchCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "watch <datasheet>",
		Short: "Follow a datasheet and keep a local replica",
		Long:  "Fetches the datasheet, then applies every changelog entry after the fetched revision as it arrives and prints the replica.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c := newClient()
			snapshot, err := c.Datasheet(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			r, err := newReplica(snapshot)
			if err != nil {
				return err
			}
			if !viper.GetBool("json") {
				renderDatasheet(r.View())
			}
			err = c.Watch(cmd.Context(), args[0], snapshot.Revision, func(entry sheetsyncsdk.ChangeLog) error {
				applied, err := r.Apply(entry)
				if err != nil || !applied {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(entry)
				}
				fmt.Printf("revision %d: %s %s\n", entry.Revision, entry.Command.Type, strings.Join(entry.Command.Args, " "))
				renderDatasheet(r.View())
				return nil
			})
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		},
	}
}

func logCmd() *cobra.Command {
	log := &cobra.Command{
		Use:   "log",
		Short: "Journal",
		Long:  "The server's journal of appends, lookup propagations, link creations and dispatch stalls.",
	}
	log.AddCommand(logTailCmd())
	return log
}

func logTailCmd() *cobra.Command {
	var n int
	var evtType, datasheetID, cursor string
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Tail journal events",
		RunE: func(cmd *cobra.Command, args []string) error {
			page, err := newClient().EventsPage(cmd.Context(), datasheetID, evtType, n, cursor)
			if err != nil {
				return err
			}
			if viper.GetBool("json") {
				return printJSON(page)
			}
			tw := table.NewWriter()
			tw.SetOutputMirror(os.Stdout)
			tw.AppendHeader(table.Row{"ID", "Time", "Type", "Datasheet", "Revision", "Payload"})
			for _, e := range page.Items {
				payload, _ := json.Marshal(e.Payload)
				tw.AppendRow(table.Row{e.ID, e.TS, e.Type, e.DatasheetID, e.Revision, string(payload)})
			}
			tw.Render()
			if page.NextCursor != "" {
				fmt.Printf("more: --cursor %s\n", page.NextCursor)
			}
			return nil
		},
	}
	cmd.Flags().IntVar(&n, "n", 20, "number of events")
	cmd.Flags().StringVar(&evtType, "type", "", "event type filter")
	cmd.Flags().StringVar(&datasheetID, "datasheet", "", "datasheet filter")
	cmd.Flags().StringVar(&cursor, "cursor", "", "page cursor")
	return cmd
}

// --- helpers ---

func loadConfig() (*config.Config, error) {
	if path := viper.GetString("config"); path != "" {
		return config.FromFile(path)
	}
	cfg, err := config.LoadOptional(viper.GetString("workspace"))
	if err != nil {
		return nil, err
	}
	if cfg == nil {
		glog.V(1).Infof("no %s, using demo config", config.Path(viper.GetString("workspace")))
		cfg = config.Default()
	}
	return cfg, nil
}

func newClient() *sheetsyncsdk.Client {
	c := sheetsyncsdk.New(viper.GetString("server"))
	c.BasePath = viper.GetString("base-path")
	return c
}

func parseCoord(s string) (sheetsyncsdk.Coord, error) {
	parts := strings.Split(s, ".")
	if len(parts) != 3 || parts[0] == "" || parts[1] == "" || parts[2] == "" {
		return sheetsyncsdk.Coord{}, fmt.Errorf("expected datasheet.record.field, got %q", s)
	}
	return sheetsyncsdk.Coord{DatasheetID: parts[0], RecordID: parts[1], FieldID: parts[2]}, nil
}

func formatCoord(c sheetsyncsdk.Coord) string {
	return c.DatasheetID + "." + c.RecordID + "." + c.FieldID
}

func renderDatasheet(d sheetsyncsdk.Datasheet) {
	fields := make([]string, 0, len(d.FieldMap))
	for id := range d.FieldMap {
		fields = append(fields, id)
	}
	sort.Strings(fields)
	records := make(map[string]sheetsyncsdk.Record, len(d.Records))
	for _, r := range d.Records {
		records[r.ID] = r
	}

	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	tw.SetTitle(fmt.Sprintf("datasheet %s @ revision %s", d.ID, strconv.FormatInt(d.Revision, 10)))
	header := table.Row{"Record"}
	for _, f := range fields {
		if d.FieldMap[f].Type == "lookup" {
			header = append(header, fmt.Sprintf("%s -> %s.%s", f, d.FieldMap[f].DatasheetID, d.FieldMap[f].FieldID))
			continue
		}
		header = append(header, f)
	}
	tw.AppendHeader(header)
	for _, id := range d.Rows {
		row := table.Row{id}
		for _, f := range fields {
			row = append(row, records[id].Data[f])
		}
		tw.AppendRow(row)
	}
	tw.Render()
	for _, u := range d.Unresolved {
		fmt.Printf("unresolved %s.%s: %s\n", u.RecordID, u.FieldID, u.Reason)
	}
}

func printJSONOrTable(v any) error {
	if viper.GetBool("json") {
		return printJSON(v)
	}
	b, _ := json.MarshalIndent(v, "", "  ")
	fmt.Println(string(b))
	return nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
