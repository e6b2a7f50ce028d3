// Command rdmount mounts a research data management service as a local
// filesystem.
//
// Projects appear as directories; each project exposes a live
// attributes.json, its child and linked projects, and one directory per
// storage provider. Writes are buffered locally and committed on close,
// gated by an optional regexp whitelist.
//
// Sub-commands:
//
//	rdmount [flags] <mountpoint>        Mount filesystem (default)
//	rdmount login                       Verify and save an access token
//	rdmount logout                      Delete the saved token
//	rdmount projects                    List accessible projects
//	rdmount version                     Print the version
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"golang.org/x/term"

	"github.com/rdmount/rdmount/internal/api"
	"github.com/rdmount/rdmount/internal/config"
	"github.com/rdmount/rdmount/internal/logging"
	"github.com/rdmount/rdmount/internal/metrics"
	"github.com/rdmount/rdmount/internal/node"
	"github.com/rdmount/rdmount/internal/rdmfs"
	"github.com/rdmount/rdmount/internal/storage"
	s3backend "github.com/rdmount/rdmount/internal/storage/s3"
	"github.com/rdmount/rdmount/internal/whitelist"
)

const version = "0.1.0"

func main() {
	if len(os.Args) > 1 {
		switch os.Args[1] {
		case "login":
			cmdLogin(os.Args[2:])
			return
		case "logout":
			cmdLogout(os.Args[2:])
			return
		case "projects":
			cmdProjects(os.Args[2:])
			return
		case "version":
			fmt.Printf("rdmount %s\n", version)
			return
		case "mount":
			// Strip "mount" from args and fall through to normal parsing
			os.Args = append(os.Args[:1], os.Args[2:]...)
		}
	}

	cmdMount()
}

// stringList collects repeated flag values.
type stringList []string

func (s *stringList) String() string { return strings.Join(*s, ",") }

func (s *stringList) Set(v string) error {
	*s = append(*s, v)
	return nil
}

func cmdMount() {
	baseURL := flag.String("base-url", config.DefaultBaseURL, "API base URL")
	project := flag.String("project", "", "ID of the project to mount")
	allProjects := flag.Bool("all-projects", false, "Mount every accessible project")
	token := flag.String("token", "", "Personal access token")
	fileMode := flag.String("file-mode", "0644", "Permission bits for files (octal)")
	dirMode := flag.String("dir-mode", "0755", "Permission bits for directories (octal)")
	owner := flag.String("owner", "", "Owner user name or uid (default: current user)")
	group := flag.String("group", "", "Owner group name or gid (default: current group)")
	allowOther := flag.Bool("allow-other", false, "Allow other users to access the mount")
	whitelistPath := flag.String("writable-whitelist", "", "File of regexps selecting writable paths (no file: everything writable)")
	metricsAddr := flag.String("metrics-addr", "", "Serve Prometheus metrics on this address (e.g. :9090)")
	debug := flag.Bool("debug", false, "Enable debug logging")
	debugFuse := flag.Bool("debug-fuse", false, "Log raw kernel traffic")
	logFormat := flag.String("log-format", "console", "Log format: console or json")

	var s3Mappings stringList
	flag.Var(&s3Mappings, "s3-direct", "Read a provider straight from S3: provider=bucket[@endpoint] (repeatable)")

	flag.Parse()

	level := "info"
	if *debug {
		level = "debug"
	}
	if err := logging.Init(logging.Config{Level: level, Format: *logFormat, OutputPath: "stderr"}); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	defer logging.Sync()

	if flag.NArg() != 1 {
		fmt.Fprintf(os.Stderr, "Usage: rdmount [flags] <mountpoint>\n\nFlags:\n")
		flag.PrintDefaults()
		os.Exit(1)
	}

	resolved, tokenFile := resolveToken(*token)
	if tokenFile != nil {
		logging.Info("using saved token",
			logging.String("user", tokenFile.FullName),
			logging.String("path", api.TokenFilePath()))
	}

	fm, err := config.ParseMode(*fileMode)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: -file-mode: %v\n", err)
		os.Exit(1)
	}
	dm, err := config.ParseMode(*dirMode)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: -dir-mode: %v\n", err)
		os.Exit(1)
	}
	uid, err := config.ResolveOwner(*owner)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: -owner: %v\n", err)
		os.Exit(1)
	}
	gid, err := config.ResolveGroup(*group)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: -group: %v\n", err)
		os.Exit(1)
	}
	s3Direct, err := config.ParseS3Direct(s3Mappings)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: -s3-direct: %v\n", err)
		os.Exit(1)
	}

	opts := config.Options{
		BaseURL:       *baseURL,
		Token:         resolved,
		ProjectID:     *project,
		AllProjects:   *allProjects,
		Mountpoint:    flag.Arg(0),
		FileMode:      fm,
		DirMode:       dm,
		UID:           uid,
		GID:           gid,
		AllowOther:    *allowOther,
		DebugFuse:     *debugFuse,
		WhitelistPath: *whitelistPath,
		S3Direct:      s3Direct,
		MetricsAddr:   *metricsAddr,
		Debug:         *debug,
		LogFormat:     *logFormat,
	}
	if err := opts.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	client := api.New(api.Config{
		BaseURL: opts.BaseURL,
		Token:   opts.Token,
		Timeout: 60 * time.Second,
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	name, err := client.VerifyToken(ctx)
	if err != nil {
		logging.Error("token verification failed", logging.Err(err))
		os.Exit(1)
	}
	logging.Info("authenticated", logging.String("user", name))

	direct := make(map[string]s3backend.Config, len(opts.S3Direct))
	for provider, d := range opts.S3Direct {
		direct[provider] = s3backend.Config{
			Bucket:    d.Bucket,
			Endpoint:  d.Endpoint,
			Region:    d.Region,
			AccessKey: d.AccessKey,
			SecretKey: d.SecretKey,
			Prefix:    d.Prefix,
		}
	}
	registry := storage.NewRegistry(client, direct)

	mode := node.ModeSingle
	if opts.AllProjects {
		mode = node.ModeAll
	}
	tree := node.New(node.Config{
		Client:    client,
		Registry:  registry,
		Mode:      mode,
		ProjectID: opts.ProjectID,
	})

	if mode == node.ModeSingle {
		project, err := tree.Node(ctx, opts.ProjectID)
		if err != nil {
			logging.Error("project not accessible",
				logging.String("project", opts.ProjectID), logging.Err(err))
			os.Exit(1)
		}
		logging.Info("mounting project",
			logging.String("project", project.ID),
			logging.String("title", project.Title))
	}

	var wl *whitelist.List
	if opts.WhitelistPath != "" {
		wl, err = whitelist.Load(opts.WhitelistPath)
		if err != nil {
			logging.Error("load whitelist", logging.Err(err))
			os.Exit(1)
		}
		logging.Info("write whitelist loaded",
			logging.String("path", opts.WhitelistPath),
			logging.Int("patterns", wl.Len()))
	}

	fsys, err := rdmfs.New(tree, wl, rdmfs.Config{
		FileMode:   opts.FileMode,
		DirMode:    opts.DirMode,
		UID:        opts.UID,
		GID:        opts.GID,
		AllowOther: opts.AllowOther,
		Debug:      opts.DebugFuse,
	})
	if err != nil {
		logging.Error("create filesystem", logging.Err(err))
		os.Exit(1)
	}

	server, err := fsys.Mount(opts.Mountpoint)
	if err != nil {
		logging.Error("mount failed", logging.Err(err))
		fsys.Close()
		os.Exit(1)
	}

	if opts.MetricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", metrics.Handler())
		go func() {
			if err := http.ListenAndServe(opts.MetricsAddr, mux); err != nil {
				logging.Error("metrics server stopped", logging.Err(err))
			}
		}()
		logging.Info("metrics listening", logging.String("addr", opts.MetricsAddr))
	}

	logging.Info("mounted", logging.String("mountpoint", opts.Mountpoint))

	waitCh := make(chan struct{})
	go func() {
		server.Wait()
		close(waitCh)
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		logging.Info("unmounting", logging.String("signal", sig.String()))
		if err := server.Unmount(); err != nil {
			logging.Error("unmount failed", logging.Err(err))
		}
		<-waitCh
	case <-waitCh:
		// Unmounted from the outside: fusermount -u or the terminate command.
		logging.Info("unmounted")
	}

	fsys.Close()
	logging.Info("done")
}

// resolveToken picks the access token: explicit flag, then the RDMOUNT_TOKEN
// and OSF_TOKEN environment variables, then the saved token file.
func resolveToken(explicit string) (string, *api.TokenFile) {
	if explicit != "" {
		return explicit, nil
	}
	if v := os.Getenv("RDMOUNT_TOKEN"); v != "" {
		return v, nil
	}
	if v := os.Getenv("OSF_TOKEN"); v != "" {
		return v, nil
	}
	if tf, err := api.LoadToken(); err == nil {
		return tf.Token, tf
	}
	return "", nil
}

func cmdLogin(args []string) {
	fs := flag.NewFlagSet("login", flag.ExitOnError)
	baseURL := fs.String("base-url", config.DefaultBaseURL, "API base URL")
	fs.Parse(args)

	fmt.Print("Personal access token: ")
	tokenBytes, err := term.ReadPassword(int(syscall.Stdin))
	fmt.Println()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error reading token: %v\n", err)
		os.Exit(1)
	}
	token := strings.TrimSpace(string(tokenBytes))
	if token == "" {
		fmt.Fprintf(os.Stderr, "Error: empty token\n")
		os.Exit(1)
	}

	c := api.New(api.Config{
		BaseURL: *baseURL,
		Token:   token,
		Timeout: 30 * time.Second,
	})
	name, err := c.VerifyToken(context.Background())
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	tf := &api.TokenFile{
		Token:    token,
		BaseURL:  *baseURL,
		FullName: name,
		SavedAt:  time.Now(),
	}
	if err := api.SaveToken(tf); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: failed to save token: %v\n", err)
	}
	fmt.Printf("Login successful! Authenticated as %s. Token saved to %s\n", name, api.TokenFilePath())
}

func cmdLogout(args []string) {
	fs := flag.NewFlagSet("logout", flag.ExitOnError)
	fs.Parse(args)

	if _, err := api.LoadToken(); err != nil {
		fmt.Fprintf(os.Stderr, "No saved token found.\n")
		os.Exit(1)
	}
	if err := api.DeleteToken(); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: failed to delete token file: %v\n", err)
	}
	fmt.Println("Logged out successfully.")
}

func cmdProjects(args []string) {
	fs := flag.NewFlagSet("projects", flag.ExitOnError)
	baseURL := fs.String("base-url", config.DefaultBaseURL, "API base URL")
	token := fs.String("token", "", "Personal access token")
	fs.Parse(args)

	resolved, _ := resolveToken(*token)
	if resolved == "" {
		fmt.Fprintf(os.Stderr, "Error: no access token. Use -token, RDMOUNT_TOKEN, or run 'rdmount login'\n")
		os.Exit(1)
	}

	c := api.New(api.Config{
		BaseURL: *baseURL,
		Token:   resolved,
		Timeout: 30 * time.Second,
	})
	nodes, err := c.ListUserNodes(context.Background())
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	if len(nodes) == 0 {
		fmt.Println("No accessible projects.")
		return
	}
	fmt.Printf("%-12s %-16s %s\n", "ID", "CATEGORY", "TITLE")
	for _, n := range nodes {
		fmt.Printf("%-12s %-16s %s\n", n.ID, n.Category, n.Title)
	}
}
