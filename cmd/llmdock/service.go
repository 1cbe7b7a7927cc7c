package main

import (
	"fmt"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/zulandar/llmdock/internal/benchrun"
	"github.com/zulandar/llmdock/internal/db"
	"github.com/zulandar/llmdock/internal/flags"
	"github.com/zulandar/llmdock/internal/registry"
)

func newServiceCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "service",
		Aliases: []string{"svc"},
		Short:   "Service management commands",
	}

	cmd.AddCommand(newServiceAddCmd())
	cmd.AddCommand(newServiceUpdateCmd())
	cmd.AddCommand(newServiceRemoveCmd())
	cmd.AddCommand(newServiceShowCmd())
	cmd.AddCommand(newServiceListCmd())
	cmd.AddCommand(newServicePreviewCmd())
	cmd.AddCommand(newServiceRenameCmd())
	cmd.AddCommand(newServiceFlagsCmd())
	return cmd
}

// serviceInput is the flag set shared by add and update.
type serviceInput struct {
	engine string
	alias  string
	name   string
	port   int
	model  string
	mmproj string
	apiKey string
	sets   []string
	args   string
	unsets []string
}

func (in *serviceInput) bindCommon(cmd *cobra.Command) {
	cmd.Flags().IntVar(&in.port, "port", 0, "host port (add: next free port in the configured range when 0)")
	cmd.Flags().StringVar(&in.model, "model", "", "model reference: GGUF path for llamacpp, model id for vllm")
	cmd.Flags().StringVar(&in.mmproj, "mmproj", "", "multimodal projector path (llamacpp only)")
	cmd.Flags().StringVar(&in.apiKey, "api-key", "", "API key (add: generated when empty)")
	cmd.Flags().StringArrayVar(&in.sets, "set", nil, "engine flag as name=value; name is a schema name or a CLI token (repeatable)")
	cmd.Flags().StringVar(&in.args, "args", "", "engine flags as a CLI argument string, e.g. \"-ngl 99 --no-mmap\"")
}

// flagMap merges --args and --set into one ordered map.
func (in *serviceInput) flagMap() (*flags.Map, error) {
	m, err := flags.ParseArgString(in.args)
	if err != nil {
		return nil, err
	}
	set, err := parseAssignments(in.sets)
	if err != nil {
		return nil, err
	}
	set.Each(m.Set)
	return m, nil
}

// parseAssignments parses name=value pairs. A bare name stores an empty
// value, which enables a bool flag.
func parseAssignments(pairs []string) (*flags.Map, error) {
	m := flags.New()
	for _, p := range pairs {
		name, value, _ := strings.Cut(p, "=")
		name = strings.TrimSpace(name)
		if name == "" {
			return nil, fmt.Errorf("invalid assignment %q: missing name", p)
		}
		m.Set(name, value)
	}
	return m, nil
}

func newServiceAddCmd() *cobra.Command {
	var (
		configPath string
		in         serviceInput
	)

	cmd := &cobra.Command{
		Use:   "add",
		Short: "Register a new service",
		Long:  "Validates a new service definition, adds it to the registry, and regenerates the dynamic region of the compose file. Nothing changes if validation fails.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServiceAdd(cmd, configPath, in)
		},
	}

	addConfigFlag(cmd, &configPath)
	cmd.Flags().StringVar(&in.engine, "engine", "", "engine type: llamacpp or vllm (required)")
	cmd.Flags().StringVar(&in.alias, "alias", "", "model alias served by the API (required)")
	cmd.Flags().StringVar(&in.name, "name", "", "service name (default: derived from engine and alias)")
	in.bindCommon(cmd)
	cmd.MarkFlagRequired("engine")
	cmd.MarkFlagRequired("alias")
	return cmd
}

func runServiceAdd(cmd *cobra.Command, configPath string, in serviceInput) error {
	a, err := openApp(cmd, configPath)
	if err != nil {
		return err
	}

	engine := flags.Engine(in.engine)
	if !engine.Valid() {
		return fmt.Errorf("unknown engine %q (want llamacpp or vllm)", in.engine)
	}
	fm, err := in.flagMap()
	if err != nil {
		return err
	}

	name := in.name
	if name == "" {
		name = flags.ServiceName(engine, in.alias)
	}
	port := in.port
	if port == 0 {
		if port, err = a.compose.NextAvailablePort(a.portRange()); err != nil {
			return err
		}
	}
	key := in.apiKey
	if key == "" {
		if key, err = flags.GenerateAPIKey(); err != nil {
			return err
		}
	}

	def := registry.Definition{
		Engine:          engine,
		Port:            port,
		Alias:           in.alias,
		APIKey:          key,
		ModelReference:  in.model,
		MMProjReference: in.mmproj,
		Flags:           fm,
	}
	if err := a.compose.AddOrThrow(cmd.Context(), name, def); err != nil {
		return err
	}
	a.flushMetrics()

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Added service %s\n", name)
	fmt.Fprintf(out, "Port: %d\n", port)
	if in.apiKey == "" {
		fmt.Fprintf(out, "API key: %s\n", key)
	}
	return nil
}

func newServiceUpdateCmd() *cobra.Command {
	var (
		configPath string
		in         serviceInput
	)

	cmd := &cobra.Command{
		Use:   "update <name>",
		Short: "Update a service",
		Long:  "Changes fields or engine flags of an existing service and regenerates the compose file. The engine type cannot change.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServiceUpdate(cmd, configPath, args[0], in)
		},
	}

	addConfigFlag(cmd, &configPath)
	cmd.Flags().StringVar(&in.alias, "alias", "", "model alias served by the API")
	cmd.Flags().StringArrayVar(&in.unsets, "unset", nil, "remove an engine flag by name (repeatable)")
	in.bindCommon(cmd)
	return cmd
}

func runServiceUpdate(cmd *cobra.Command, configPath, name string, in serviceInput) error {
	a, err := openApp(cmd, configPath)
	if err != nil {
		return err
	}
	def, err := a.reg.Get(name)
	if err != nil {
		return err
	}
	def = def.Clone()

	changed := cmd.Flags().Changed
	if changed("alias") {
		def.Alias = in.alias
	}
	if changed("port") {
		def.Port = in.port
	}
	if changed("model") {
		def.ModelReference = in.model
	}
	if changed("mmproj") {
		def.MMProjReference = in.mmproj
	}
	if changed("api-key") {
		def.APIKey = in.apiKey
	}
	fm, err := in.flagMap()
	if err != nil {
		return err
	}
	if def.Flags == nil {
		def.Flags = flags.New()
	}
	fm.Each(def.Flags.Set)
	for _, u := range in.unsets {
		if !def.Flags.Delete(u) {
			return fmt.Errorf("service %s has no flag %q", name, u)
		}
	}

	if err := a.compose.Update(cmd.Context(), name, def); err != nil {
		return err
	}
	a.flushMetrics()
	fmt.Fprintf(cmd.OutOrStdout(), "Updated service %s\n", name)
	return nil
}

func newServiceRemoveCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:     "rm <name>",
		Aliases: []string{"remove"},
		Short:   "Remove a service",
		Long:    "Removes a service from the registry and regenerates the compose file. Benchmark history is kept.",
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(cmd, configPath)
			if err != nil {
				return err
			}
			if err := a.compose.Remove(cmd.Context(), args[0]); err != nil {
				return err
			}
			a.flushMetrics()
			fmt.Fprintf(cmd.OutOrStdout(), "Removed service %s\n", args[0])
			return nil
		},
	}

	addConfigFlag(cmd, &configPath)
	return cmd
}

func newServiceShowCmd() *cobra.Command {
	var (
		configPath string
		showKey    bool
	)

	cmd := &cobra.Command{
		Use:   "show <name>",
		Short: "Show service details",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(cmd, configPath)
			if err != nil {
				return err
			}
			def, err := a.reg.Get(args[0])
			if err != nil {
				return err
			}
			printDefinition(cmd, args[0], def, showKey)
			return nil
		},
	}

	addConfigFlag(cmd, &configPath)
	cmd.Flags().BoolVar(&showKey, "show-key", false, "print the API key in full")
	return cmd
}

func printDefinition(cmd *cobra.Command, name string, def registry.Definition, showKey bool) {
	out := cmd.OutOrStdout()
	key := def.APIKey
	if !showKey {
		key = maskKey(key)
	}
	fmt.Fprintf(out, "Name:    %s\n", name)
	fmt.Fprintf(out, "Engine:  %s\n", def.Engine)
	fmt.Fprintf(out, "Port:    %d\n", def.Port)
	fmt.Fprintf(out, "Alias:   %s\n", def.Alias)
	fmt.Fprintf(out, "Model:   %s\n", def.ModelReference)
	if def.MMProjReference != "" {
		fmt.Fprintf(out, "MMProj:  %s\n", def.MMProjReference)
	}
	fmt.Fprintf(out, "API key: %s\n", key)
	if def.Flags.Len() > 0 {
		fmt.Fprintln(out, "Flags:")
		def.Flags.Each(func(n, v string) {
			if v == "" {
				fmt.Fprintf(out, "  %s\n", n)
				return
			}
			fmt.Fprintf(out, "  %s = %s\n", n, v)
		})
	}
}

func newServiceListCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List services",
		Long:  "Lists registered services in registry order. Output is formatted as a table.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServiceList(cmd, configPath)
		},
	}

	addConfigFlag(cmd, &configPath)
	return cmd
}

func runServiceList(cmd *cobra.Command, configPath string) error {
	a, err := openApp(cmd, configPath)
	if err != nil {
		return err
	}
	entries, err := a.reg.List()
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if len(entries) == 0 {
		fmt.Fprintln(out, "No services found.")
		return nil
	}

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "NAME\tENGINE\tPORT\tALIAS\tMODEL\tFLAGS")
	for _, e := range entries {
		d := e.Definition
		fmt.Fprintf(w, "%s\t%s\t%d\t%s\t%s\t%d\n",
			e.Name, d.Engine, d.Port, d.Alias, truncate(d.ModelReference, 48), d.Flags.Len())
	}
	w.Flush()
	return nil
}

func newServicePreviewCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "preview <name>",
		Short: "Print the compose block a service renders to",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(cmd, configPath)
			if err != nil {
				return err
			}
			text, err := a.compose.Preview(args[0])
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), text)
			return nil
		},
	}

	addConfigFlag(cmd, &configPath)
	return cmd
}

func newServiceRenameCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "rename <old> <new>",
		Short: "Rename a service",
		Long:  "Renames a service, regenerates the compose file, and moves its benchmark history to the new name.",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServiceRename(cmd, configPath, args[0], args[1])
		},
	}

	addConfigFlag(cmd, &configPath)
	return cmd
}

func runServiceRename(cmd *cobra.Command, configPath, oldName, newName string) error {
	a, err := openApp(cmd, configPath)
	if err != nil {
		return err
	}
	if err := a.compose.Rename(cmd.Context(), oldName, newName); err != nil {
		return err
	}
	a.flushMetrics()
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Renamed service %s to %s\n", oldName, newName)

	// Benchmark history follows the service; failure here is not fatal.
	gdb, err := a.openDB()
	if err != nil {
		a.log.Warn().Err(err).Msg("benchmark history not renamed")
		return nil
	}
	defer db.Close(gdb)
	n, err := benchrun.RenameService(gdb, oldName, newName)
	if err != nil {
		a.log.Warn().Err(err).Msg("benchmark history not renamed")
		return nil
	}
	if n > 0 {
		fmt.Fprintf(out, "Moved %d benchmark runs\n", n)
	}
	return nil
}

func newServiceFlagsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "flags <engine>",
		Short: "List the engine flags a service definition may set",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			schema, err := flags.SchemaFor(flags.Engine(args[0]))
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Mandatory: %s\n\n", strings.Join(schema.Mandatory, ", "))
			w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "NAME\tTOKEN\tKIND\tRANGE")
			for _, sp := range schema.Specs() {
				rng := "-"
				if r, ok := schema.Rule(sp.Name); ok && (r.Kind == flags.KindInt || r.Kind == flags.KindFloat) {
					rng = fmt.Sprintf("%g..%g", r.Min, r.Max)
				}
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", sp.Name, sp.Token, sp.Kind, rng)
			}
			w.Flush()
			return nil
		},
	}
}
