package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"tenderline/internal/app"
	"tenderline/internal/config"
	"tenderline/internal/db"
	"tenderline/internal/domain"
	"tenderline/internal/engine"
	"tenderline/internal/migrate"
	"tenderline/internal/repo"
	"tenderline/internal/server"
)

var rootCmd = &cobra.Command{
	Use:   "tl",
	Short: "tenderline CLI",
	Long: `tenderline builds the technical memorandum of a public tender answer.
Core concepts:
- Workspace: the .tenderline directory holding the database and assembled documents.
- Project: one tender answer. It moves draft -> source_uploaded -> extracting -> extracted -> matching -> matched
  -> match_approved -> generating -> generated -> assembling -> ready -> completed -> submitted.
- Library: the company's reusable content (presentation, references, policies), imported with 'tl content import'.
- Matches: for each requirement, the library items that answer it, or a gap that needs generation or an upload.
- Generation: drafts for the gaps, scored and retried with feedback; 'tl gaps' lists what is still open.
- Failed stages keep their finished work; 'tl retry' resumes only what is left.
- Event log: every transition, view with 'tl log tail'.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		workspace := viper.GetString("workspace")
		if _, err := db.EnsureWorkspace(workspace); err != nil {
			return err
		}
		return nil
	},
}

func main() {
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		stop()
		fmt.Println("error:", err)
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("TENDERLINE")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	flags := rootCmd.PersistentFlags()
	flags.StringP("workspace", "w", ".", "workspace directory")
	flags.Bool("json", false, "output JSON")
	flags.String("actor-id", "local-user", "actor identifier")
	flags.String("project", "", "project id (defaults to the only project)")
	flags.Bool("quiet", false, "do not log notifications")
	flags.String("extractor-url", "", "document extraction service; local YAML sheets when empty")
	flags.String("extractor-key", "", "document extraction service API key")
	flags.String("retrieval-url", "", "retrieval service; local lexical index when empty")
	flags.String("retrieval-key", "", "retrieval service API key")
	flags.String("generator-url", "", "messages API base URL")
	flags.String("generator-key", "", "messages API key")
	flags.String("assembler-url", "", "document export service; Markdown files when empty")
	flags.String("assembler-key", "", "document export service API key")
	flags.String("jwt-secret", "", "HS256 secret shared with the identity service")
	for _, name := range []string{
		"workspace", "json", "actor-id", "project", "quiet",
		"extractor-url", "extractor-key", "retrieval-url", "retrieval-key",
		"generator-url", "generator-key", "assembler-url", "assembler-key", "jwt-secret",
	} {
		_ = viper.BindPFlag(name, flags.Lookup(name))
	}
}

func registerCommands() {
	rootCmd.AddCommand(projectCmd())
	rootCmd.AddCommand(sourceCmd())
	rootCmd.AddCommand(contentCmd())
	rootCmd.AddCommand(extractCmd())
	rootCmd.AddCommand(matchCmd())
	rootCmd.AddCommand(customizeCmd())
	rootCmd.AddCommand(overrideCmd())
	rootCmd.AddCommand(approveCmd())
	rootCmd.AddCommand(generateCmd())
	rootCmd.AddCommand(regenerateCmd())
	rootCmd.AddCommand(reviewCmd())
	rootCmd.AddCommand(assembleCmd())
	rootCmd.AddCommand(completeCmd())
	rootCmd.AddCommand(submitCmd())
	rootCmd.AddCommand(retryCmd())
	rootCmd.AddCommand(cancelCmd())
	rootCmd.AddCommand(statusCmd())
	rootCmd.AddCommand(gapsCmd())
	rootCmd.AddCommand(matchesCmd())
	rootCmd.AddCommand(tasksCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(authCmd())
}

func projectCmd() *cobra.Command {
	prj := &cobra.Command{Use: "project", Short: "Manage projects"}
	prj.AddCommand(projectListCmd())
	prj.AddCommand(projectCreateCmd())
	prj.AddCommand(projectShowCmd())
	prj.AddCommand(projectConfigCmd())
	return prj
}

func projectListCmd() *cobra.Command {
	var status string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List projects",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				items, err := r.ListProjects(ctx, domain.Status(status))
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := newTable()
				tw.AppendHeader(table.Row{"ID", "Name", "Company", "Status", "Updated"})
				for _, p := range items {
					tw.AppendRow(table.Row{p.ID, p.Name, p.CompanyID, p.Status, since(p.UpdatedAt)})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "status filter")
	return cmd
}

func projectCreateCmd() *cobra.Command {
	var id, name, company, configFile string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create project",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				opts := engine.CreateOptions{ID: id, Name: name, CompanyID: company, ActorID: viper.GetString("actor-id")}
				if configFile != "" {
					data, err := os.ReadFile(configFile)
					if err != nil {
						return err
					}
					cfg, err := config.ForProject(id, data)
					if err != nil {
						return err
					}
					opts.Config = cfg
				} else {
					// tenderline.yml at the workspace root seeds new projects.
					cfg, err := config.LoadOptional(viper.GetString("workspace"))
					if err != nil {
						return err
					}
					opts.Config = cfg
				}
				p, err := e.CreateProject(ctx, opts)
				if err != nil {
					return err
				}
				return printJSONOrTable(p)
			})
		},
	}
	cmd.Flags().StringVar(&id, "id", "", "project id (random when empty)")
	cmd.Flags().StringVar(&name, "name", "", "tender name")
	cmd.Flags().StringVar(&company, "company", "", "company whose library answers the tender")
	cmd.Flags().StringVar(&configFile, "config", "", "project settings YAML")
	_ = cmd.MarkFlagRequired("name")
	_ = cmd.MarkFlagRequired("company")
	return cmd
}

func projectShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Show a project",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withProject(cmd.Context(), func(ctx context.Context, e engine.Engine, projectID string) error {
				p, err := e.GetProject(ctx, projectID)
				if err != nil {
					return err
				}
				return printJSONOrTable(p)
			})
		},
	}
}

func projectConfigCmd() *cobra.Command {
	cfgCmd := &cobra.Command{Use: "config", Short: "Project settings"}
	cfgCmd.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Print the project settings as YAML",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				_, cfg, err := app.ResolveProjectAndConfig(ctx, r, viper.GetString("project"))
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(cfg)
				}
				data, err := cfg.Marshal()
				if err != nil {
					return err
				}
				fmt.Print(string(data))
				return nil
			})
		},
	})

	var file string
	imp := &cobra.Command{
		Use:   "import",
		Short: "Replace the project settings from a YAML file",
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := os.ReadFile(file)
			if err != nil {
				return err
			}
			return withProject(cmd.Context(), func(ctx context.Context, e engine.Engine, projectID string) error {
				cfg, err := config.ForProject(projectID, data)
				if err != nil {
					return err
				}
				p, err := e.UpdateConfig(ctx, projectID, cfg, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(p)
			})
		},
	}
	imp.Flags().StringVar(&file, "file", "", "settings YAML")
	_ = imp.MarkFlagRequired("file")
	cfgCmd.AddCommand(imp)

	cfgCmd.AddCommand(&cobra.Command{
		Use:   "default",
		Short: "Print the default settings template",
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Print(config.GenerateDefault("my-tender"))
			return nil
		},
	})
	return cfgCmd
}

func contentCmd() *cobra.Command {
	c := &cobra.Command{Use: "content", Short: "Company content library"}

	var file, company string
	var chunk app.ChunkOptions
	var chunkFile string
	imp := &cobra.Command{
		Use:   "import",
		Short: "Import library items from a YAML file, or split a text document into items",
		Example: `  tl content import --file library.yml
  tl content import --chunk memoire-lycee.txt --company acme --type memoire --title "Mémoire lycée 2025"`,
		RunE: func(cmd *cobra.Command, args []string) error {
			var items []domain.ContentItem
			switch {
			case file != "" && chunkFile != "":
				return fmt.Errorf("--file and --chunk are exclusive")
			case chunkFile != "":
				data, err := os.ReadFile(chunkFile)
				if err != nil {
					return err
				}
				chunk.CompanyID = company
				if chunk.Title == "" {
					chunk.Title = strings.TrimSuffix(filepath.Base(chunkFile), filepath.Ext(chunkFile))
				}
				if items, err = app.ChunkDocument(string(data), chunk); err != nil {
					return err
				}
			case file != "":
				data, err := os.ReadFile(file)
				if err != nil {
					return err
				}
				if items, err = app.ParseLibrary(data, company); err != nil {
					return err
				}
			default:
				return fmt.Errorf("one of --file or --chunk is required")
			}
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				stored, err := app.ImportContent(ctx, r, items, time.Now())
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(stored)
				}
				fmt.Printf("Imported %s library items\n", humanize.Comma(int64(len(stored))))
				return nil
			})
		},
	}
	imp.Flags().StringVar(&file, "file", "", "library YAML")
	imp.Flags().StringVar(&chunkFile, "chunk", "", "plain text document to split into items")
	imp.Flags().StringVar(&company, "company", "", "company id (overrides the file)")
	imp.Flags().StringVar(&chunk.Type, "type", "memoire", "content type of chunked items")
	imp.Flags().StringVar(&chunk.Title, "title", "", "title of chunked items (defaults to the file name)")
	imp.Flags().StringSliceVar(&chunk.Tags, "tag", nil, "tags of chunked items")
	imp.Flags().IntVar(&chunk.Size, "chunk-size", 500, "characters per chunk")
	imp.Flags().IntVar(&chunk.Overlap, "chunk-overlap", 100, "characters shared by consecutive chunks")
	c.AddCommand(imp)

	var f repo.ContentFilters
	list := &cobra.Command{
		Use:   "list",
		Short: "List library items",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				items, err := r.ListContentItems(ctx, nil, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := newTable()
				tw.AppendHeader(table.Row{"ID", "Company", "Type", "Title", "Tags", "Size"})
				for _, it := range items {
					tw.AppendRow(table.Row{it.ID, it.CompanyID, it.Type, it.Title, strings.Join(it.Tags, ","), humanize.Bytes(uint64(len(it.Body)))})
				}
				tw.Render()
				return nil
			})
		},
	}
	list.Flags().StringVar(&f.CompanyID, "company", "", "company filter")
	list.Flags().StringVar(&f.Type, "type", "", "content type filter")
	list.Flags().StringVar(&f.Tag, "tag", "", "tag filter")
	c.AddCommand(list)
	return c
}

func logCmd() *cobra.Command {
	l := &cobra.Command{
		Use:   "log",
		Short: "Workflow log",
		Long:  "Every transition of the project, in order, with its actor and payload.",
	}
	l.AddCommand(logTailCmd())
	return l
}

func logTailCmd() *cobra.Command {
	var n int
	var after int64
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Tail events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withProject(cmd.Context(), func(ctx context.Context, e engine.Engine, projectID string) error {
				var (
					events []domain.WorkflowEvent
					err    error
				)
				if cmd.Flags().Changed("after") {
					events, err = e.Log(ctx, projectID, after, n)
				} else {
					events, err = e.Repo.LatestEvents(ctx, projectID, n)
					for i, j := 0, len(events)-1; i < j; i, j = i+1, j-1 {
						events[i], events[j] = events[j], events[i]
					}
				}
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(events)
				}
				tw := newTable()
				tw.AppendHeader(table.Row{"Seq", "When", "Type", "From", "To", "Actor", "Payload"})
				for _, evt := range events {
					tw.AppendRow(table.Row{evt.Seq, since(evt.TS), evt.Type, evt.FromStatus, evt.ToStatus, evt.ActorID, evt.Payload})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&n, "n", 20, "number of events")
	cmd.Flags().Int64Var(&after, "after", 0, "list events after this sequence number")
	return cmd
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	var devLogin, legacyActor bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			secret := viper.GetString("jwt-secret")
			if secret == "" {
				return fmt.Errorf("TENDERLINE_JWT_SECRET is required for bearer auth")
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				handler, err := server.New(server.Config{
					Engine:   e,
					BasePath: basePath,
					Auth: server.AuthConfig{
						JWTSecret:              secret,
						AllowLegacyActorHeader: legacyActor,
						DevLogin:               devLogin,
						Logger:                 e.Logger,
					},
				})
				if err != nil {
					return err
				}
				srv := &http.Server{Addr: addr, Handler: handler}
				go func() {
					<-ctx.Done()
					sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
					defer cancel()
					srv.Shutdown(sctx)
				}()
				fmt.Printf("Serving tenderline API on http://%s%s (OpenAPI at %s/openapi.json, Swagger UI at /docs)\n", addr, basePath, basePath)
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					return err
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8080", "listen address")
	cmd.Flags().StringVar(&basePath, "base-path", "/v0", "API base path")
	cmd.Flags().BoolVar(&devLogin, "dev-login", false, "expose POST /auth/dev/login")
	cmd.Flags().BoolVar(&legacyActor, "allow-actor-header", false, "accept unauthenticated X-Actor-Id")
	return cmd
}

func authCmd() *cobra.Command {
	a := &cobra.Command{Use: "auth", Short: "API credentials"}

	var actor string
	var roles []string
	var ttl time.Duration
	token := &cobra.Command{
		Use:   "token",
		Short: "Mint a bearer token with the shared secret",
		RunE: func(cmd *cobra.Command, args []string) error {
			if actor == "" {
				actor = viper.GetString("actor-id")
			}
			t, err := server.SignToken(viper.GetString("jwt-secret"), actor, roles, ttl, time.Now())
			if err != nil {
				return err
			}
			fmt.Println(t)
			return nil
		},
	}
	token.Flags().StringVar(&actor, "actor", "", "token subject (defaults to --actor-id)")
	token.Flags().StringSliceVar(&roles, "role", nil, "role claim")
	token.Flags().DurationVar(&ttl, "ttl", time.Hour, "token lifetime")
	a.AddCommand(token)
	a.AddCommand(apiKeyCmd())
	return a
}

func apiKeyCmd() *cobra.Command {
	k := &cobra.Command{Use: "key", Short: "Manage API keys"}

	var actor, name string
	create := &cobra.Command{
		Use:   "create",
		Short: "Create an API key; the key is printed once",
		RunE: func(cmd *cobra.Command, args []string) error {
			if actor == "" {
				actor = viper.GetString("actor-id")
			}
			secret := "tl_" + strings.ReplaceAll(uuid.NewString(), "-", "")
			key := domain.APIKey{ID: uuid.NewString(), ActorID: actor, Name: name, KeyHash: repo.HashAPIKey(secret)}
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				if err := r.InsertAPIKey(ctx, nil, key); err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]string{"id": key.ID, "actor_id": actor, "key": secret})
				}
				fmt.Printf("id:  %s\nkey: %s\n", key.ID, secret)
				return nil
			})
		},
	}
	create.Flags().StringVar(&actor, "actor", "", "actor the key authenticates (defaults to --actor-id)")
	create.Flags().StringVar(&name, "name", "", "label")
	k.AddCommand(create)

	var filter string
	list := &cobra.Command{
		Use:   "list",
		Short: "List API keys",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				keys, err := r.ListAPIKeys(ctx, filter)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(keys)
				}
				tw := newTable()
				tw.AppendHeader(table.Row{"ID", "Actor", "Name", "Created"})
				for _, key := range keys {
					tw.AppendRow(table.Row{key.ID, key.ActorID, key.Name, since(key.CreatedAt)})
				}
				tw.Render()
				return nil
			})
		},
	}
	list.Flags().StringVar(&filter, "actor", "", "actor filter")
	k.AddCommand(list)

	k.AddCommand(&cobra.Command{
		Use:   "revoke <id>",
		Short: "Delete an API key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				return r.DeleteAPIKey(ctx, args[0])
			})
		},
	})
	return k
}

// --- helpers ---

func settings() app.Settings {
	return app.Settings{
		Workspace:    viper.GetString("workspace"),
		ExtractorURL: viper.GetString("extractor-url"),
		ExtractorKey: viper.GetString("extractor-key"),
		RetrievalURL: viper.GetString("retrieval-url"),
		RetrievalKey: viper.GetString("retrieval-key"),
		GeneratorURL: viper.GetString("generator-url"),
		GeneratorKey: viper.GetString("generator-key"),
		AssemblerURL: viper.GetString("assembler-url"),
		AssemblerKey: viper.GetString("assembler-key"),
		Quiet:        viper.GetBool("quiet"),
		Logger:       log.New(os.Stderr, "tl: ", log.LstdFlags),
	}
}

func withEngine(ctx context.Context, fn func(context.Context, engine.Engine) error) error {
	workspace := viper.GetString("workspace")
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return err
	}
	defer conn.Close()
	if err := migrate.Migrate(conn); err != nil {
		return err
	}
	e := app.NewEngine(conn, settings())
	defer e.Wait()
	return fn(ctx, e)
}

// withProject resolves --project, or the only project in the workspace.
func withProject(ctx context.Context, fn func(context.Context, engine.Engine, string) error) error {
	return withEngine(ctx, func(ctx context.Context, e engine.Engine) error {
		projectID, err := app.ResolveProject(ctx, e.Repo, viper.GetString("project"))
		if err != nil {
			return err
		}
		return fn(ctx, e, projectID)
	})
}

func withRepo(ctx context.Context, fn func(context.Context, repo.Repo) error) error {
	workspace := viper.GetString("workspace")
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return err
	}
	defer conn.Close()
	if err := migrate.Migrate(conn); err != nil {
		return err
	}
	return fn(ctx, repo.Repo{DB: conn})
}

func newTable() table.Writer {
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	return tw
}

func since(ts string) string {
	t, err := time.Parse(time.RFC3339, ts)
	if err != nil {
		return ts
	}
	return humanize.Time(t)
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
