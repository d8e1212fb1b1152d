package main

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/kgents/agentplane/pkg/client"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

// version is overridden by goreleaser via -ldflags "-X main.version=...".
var version = "dev"

var (
	serverURL string
	cfgFile   string
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "agentctl",
	Short: "agentplane control plane CLI",
	Long: `agentctl is the command-line interface for the agentplane control plane.

It manages agents and their configuration versions, drives deployments,
and opens interactive chat sessions against running agent runtimes.`,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		if cfgFile != "" {
			viper.SetConfigFile(cfgFile)
		} else {
			home, _ := os.UserHomeDir()
			viper.AddConfigPath(filepath.Join(home, ".agentctl"))
			viper.SetConfigName("config")
			viper.SetConfigType("yaml")
		}
		viper.AutomaticEnv()
		_ = viper.ReadInConfig()

		if serverURL == "" {
			serverURL = viper.GetString("server_url")
		}
		if serverURL == "" {
			serverURL = "http://localhost:8080"
		}
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default ~/.agentctl/config.yaml)")
	rootCmd.PersistentFlags().StringVar(&serverURL, "server", "", "control plane base URL (default http://localhost:8080)")

	rootCmd.AddCommand(loginCmd)
	rootCmd.AddCommand(signupCmd)
	rootCmd.AddCommand(agentsCmd)
	rootCmd.AddCommand(deployCmd)
	rootCmd.AddCommand(deploymentsCmd)
	rootCmd.AddCommand(chatCmd)
	rootCmd.AddCommand(versionCmd)
}

// newClient builds an SDK client carrying the saved session token, if any.
func newClient() *client.Client {
	var opts []client.Option
	if token := loadToken(); token != "" {
		opts = append(opts, client.WithToken(token))
	}
	return client.New(serverURL, opts...)
}

func tokenPath() string {
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".agentctl", "token")
}

func loadToken() string {
	b, err := os.ReadFile(tokenPath())
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(b))
}

func saveToken(token string) error {
	p := tokenPath()
	if err := os.MkdirAll(filepath.Dir(p), 0o700); err != nil {
		return err
	}
	return os.WriteFile(p, []byte(token+"\n"), 0o600)
}

// ── login / signup ───────────────────────────────────────────────────────────

var (
	loginEmail    string
	loginPassword string
)

var loginCmd = &cobra.Command{
	Use:   "login",
	Short: "Authenticate and store a session token",
	RunE: func(cmd *cobra.Command, args []string) error {
		if loginPassword == "" {
			fmt.Print("Password: ")
			line, _ := bufio.NewReader(os.Stdin).ReadString('\n')
			loginPassword = strings.TrimSpace(line)
		}

		c := client.New(serverURL)
		token, err := c.Login(context.Background(), loginEmail, loginPassword)
		if err != nil {
			return fmt.Errorf("login: %w", err)
		}
		if err := saveToken(token); err != nil {
			return fmt.Errorf("store token: %w", err)
		}
		fmt.Println("✓ Logged in")
		return nil
	},
}

var (
	signupEmail    string
	signupPassword string
	signupName     string
)

var signupCmd = &cobra.Command{
	Use:   "signup",
	Short: "Register a new account",
	RunE: func(cmd *cobra.Command, args []string) error {
		c := client.New(serverURL)
		if err := c.Register(context.Background(), signupEmail, signupPassword, signupName); err != nil {
			return fmt.Errorf("signup: %w", err)
		}
		fmt.Println("✓ Account created")
		fmt.Println("Next: agentctl login --email", signupEmail)
		return nil
	},
}

func init() {
	loginCmd.Flags().StringVar(&loginEmail, "email", "", "Account email")
	loginCmd.Flags().StringVar(&loginPassword, "password", "", "Account password (prompted when omitted)")
	_ = loginCmd.MarkFlagRequired("email")

	signupCmd.Flags().StringVar(&signupEmail, "email", "", "Account email")
	signupCmd.Flags().StringVar(&signupPassword, "password", "", "Account password")
	signupCmd.Flags().StringVar(&signupName, "name", "", "Display name")
	_ = signupCmd.MarkFlagRequired("email")
	_ = signupCmd.MarkFlagRequired("password")
}

// ── agents ───────────────────────────────────────────────────────────────────

var agentsCmd = &cobra.Command{
	Use:   "agents",
	Short: "Manage catalog agents and their configuration versions",
}

var (
	agentName        string
	agentDescription string
	agentTags        []string
	agentConfigFile  string
	agentChangelog   string
	listStatus       string
	listTag          string
)

var agentsCreateCmd = &cobra.Command{
	Use:   "create",
	Short: "Create an agent with its first configuration version",
	RunE: func(cmd *cobra.Command, args []string) error {
		config, err := os.ReadFile(agentConfigFile)
		if err != nil {
			return fmt.Errorf("read config file: %w", err)
		}

		agent, ver, err := newClient().CreateAgent(context.Background(), client.CreateAgentRequest{
			Name:        agentName,
			Description: agentDescription,
			Tags:        agentTags,
			Config:      json.RawMessage(config),
		})
		if err != nil {
			return fmt.Errorf("create agent: %w", err)
		}

		fmt.Printf("✓ Agent created\n\n")
		fmt.Printf("  ID:      %s\n", agent.ID)
		fmt.Printf("  Name:    %s\n", agent.Name)
		fmt.Printf("  Version: %d (%s)\n\n", ver.VersionNumber, ver.ID)
		fmt.Println("Next: agentctl agents publish", agent.ID, strconv.Itoa(ver.VersionNumber))
		return nil
	},
}

var agentsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List your agents",
	RunE: func(cmd *cobra.Command, args []string) error {
		agents, err := newClient().ListAgents(context.Background(), listStatus, listTag)
		if err != nil {
			return fmt.Errorf("list agents: %w", err)
		}
		if len(agents) == 0 {
			fmt.Println("No agents found.")
			return nil
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tNAME\tSTATUS\tTAGS\tUPDATED")
		for _, a := range agents {
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
				a.ID, a.Name, a.Status, strings.Join(a.Tags, ","),
				a.UpdatedAt.Local().Format("2006-01-02 15:04"))
		}
		return w.Flush()
	},
}

var agentsGetCmd = &cobra.Command{
	Use:   "get <agent-id>",
	Short: "Show one agent as JSON",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		agent, err := newClient().GetAgent(context.Background(), args[0])
		if err != nil {
			return err
		}
		out, _ := json.MarshalIndent(agent, "", "  ")
		fmt.Println(string(out))
		return nil
	},
}

var agentsVersionCmd = &cobra.Command{
	Use:   "version <agent-id>",
	Short: "Append a new configuration version",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		config, err := os.ReadFile(agentConfigFile)
		if err != nil {
			return fmt.Errorf("read config file: %w", err)
		}
		ver, err := newClient().CreateVersion(context.Background(), args[0], json.RawMessage(config), agentChangelog)
		if err != nil {
			return fmt.Errorf("create version: %w", err)
		}
		fmt.Printf("✓ Version %d created (%s)\n", ver.VersionNumber, ver.ID)
		return nil
	},
}

var agentsPublishCmd = &cobra.Command{
	Use:   "publish <agent-id> <version-number>",
	Short: "Publish a configuration version",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		number, err := strconv.Atoi(args[1])
		if err != nil {
			return fmt.Errorf("version number must be an integer: %w", err)
		}
		ver, err := newClient().PublishVersion(context.Background(), args[0], number)
		if err != nil {
			return fmt.Errorf("publish version: %w", err)
		}
		fmt.Printf("✓ Version %d published\n", ver.VersionNumber)
		return nil
	},
}

var agentsArchiveCmd = &cobra.Command{
	Use:   "archive <agent-id>",
	Short: "Archive an agent",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := newClient().ArchiveAgent(context.Background(), args[0]); err != nil {
			return fmt.Errorf("archive agent: %w", err)
		}
		fmt.Println("✓ Agent archived")
		return nil
	},
}

func init() {
	agentsCreateCmd.Flags().StringVar(&agentName, "name", "", "Agent name (unique per account)")
	agentsCreateCmd.Flags().StringVar(&agentDescription, "description", "", "Agent description")
	agentsCreateCmd.Flags().StringSliceVar(&agentTags, "tags", nil, "Comma-separated tags")
	agentsCreateCmd.Flags().StringVar(&agentConfigFile, "config-file", "", "Path to the agent config JSON")
	_ = agentsCreateCmd.MarkFlagRequired("name")
	_ = agentsCreateCmd.MarkFlagRequired("config-file")

	agentsListCmd.Flags().StringVar(&listStatus, "status", "", "Filter by status: draft, published, or archived")
	agentsListCmd.Flags().StringVar(&listTag, "tag", "", "Filter by tag")

	agentsVersionCmd.Flags().StringVar(&agentConfigFile, "config-file", "", "Path to the new config JSON")
	agentsVersionCmd.Flags().StringVar(&agentChangelog, "changelog", "", "What changed in this version")
	_ = agentsVersionCmd.MarkFlagRequired("config-file")

	agentsCmd.AddCommand(agentsCreateCmd)
	agentsCmd.AddCommand(agentsListCmd)
	agentsCmd.AddCommand(agentsGetCmd)
	agentsCmd.AddCommand(agentsVersionCmd)
	agentsCmd.AddCommand(agentsPublishCmd)
	agentsCmd.AddCommand(agentsArchiveCmd)
}

// ── deploy ───────────────────────────────────────────────────────────────────

var (
	deployVersionID string
	deployBuild     string
	deployTarget    string
	deployWait      bool
)

var deployCmd = &cobra.Command{
	Use:   "deploy <agent-id>",
	Short: "Deploy an agent version to the runtime platform",
	Long: `deploy enqueues a build-and-deploy pipeline for an agent version.

Without --version-id the latest configuration version is deployed.
With --wait the command polls until the deployment reaches a terminal
state and prints the endpoint on success.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := context.Background()
		c := newClient()

		versionID := deployVersionID
		if versionID == "" {
			ver, err := c.LatestVersion(ctx, args[0])
			if err != nil {
				return fmt.Errorf("resolve latest version: %w", err)
			}
			versionID = ver.ID
			fmt.Printf("Deploying latest version %d\n", ver.VersionNumber)
		}

		d, err := c.Deploy(ctx, client.DeployRequest{
			AgentID:        args[0],
			AgentVersionID: versionID,
			BuildStrategy:  deployBuild,
			DeployStrategy: deployTarget,
		})
		if err != nil {
			return fmt.Errorf("deploy: %w", err)
		}
		fmt.Printf("✓ Deployment %s enqueued (%s via %s)\n", d.ID, d.DeployStrategy, d.BuildStrategy)

		if !deployWait {
			fmt.Println("Next: agentctl deployments get", d.ID)
			return nil
		}

		fmt.Print("Waiting for deployment")
		done := make(chan struct{})
		go func() {
			for {
				select {
				case <-done:
					return
				case <-time.After(2 * time.Second):
					fmt.Print(".")
				}
			}
		}()
		final, err := c.WaitForDeployment(ctx, d.ID, 3*time.Second)
		close(done)
		fmt.Println()
		if err != nil {
			return fmt.Errorf("wait for deployment: %w", err)
		}
		switch final.Status {
		case "running":
			fmt.Printf("✓ Running at %s\n", final.EndpointURL)
		case "failed":
			return fmt.Errorf("deployment failed: %s", final.ErrorMessage)
		default:
			fmt.Printf("Deployment ended in state %s\n", final.Status)
		}
		return nil
	},
}

func init() {
	deployCmd.Flags().StringVar(&deployVersionID, "version-id", "", "Agent version id (default: latest version)")
	deployCmd.Flags().StringVar(&deployBuild, "build", "", "Build strategy: ci_driven or hosted_build (default: server setting)")
	deployCmd.Flags().StringVar(&deployTarget, "target", "", "Deploy strategy: serverless or cluster (default: server setting)")
	deployCmd.Flags().BoolVar(&deployWait, "wait", false, "Block until the deployment reaches a terminal state")
}

// ── deployments ──────────────────────────────────────────────────────────────

var deploymentsStatus string

var deploymentsCmd = &cobra.Command{
	Use:   "deployments",
	Short: "Inspect and stop deployments",
}

var deploymentsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List your deployments",
	RunE: func(cmd *cobra.Command, args []string) error {
		deployments, err := newClient().ListDeployments(context.Background(), deploymentsStatus)
		if err != nil {
			return fmt.Errorf("list deployments: %w", err)
		}
		if len(deployments) == 0 {
			fmt.Println("No deployments found.")
			return nil
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tAGENT\tSTATUS\tENDPOINT\tCREATED")
		for _, d := range deployments {
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
				d.ID, d.AgentID, d.Status, d.EndpointURL,
				d.CreatedAt.Local().Format("2006-01-02 15:04"))
		}
		return w.Flush()
	},
}

var deploymentsGetCmd = &cobra.Command{
	Use:   "get <deployment-id>",
	Short: "Show one deployment as JSON",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		d, err := newClient().GetDeployment(context.Background(), args[0])
		if err != nil {
			return err
		}
		out, _ := json.MarshalIndent(d, "", "  ")
		fmt.Println(string(out))
		return nil
	},
}

var deploymentsLogCmd = &cobra.Command{
	Use:   "log <deployment-id>",
	Short: "Show a deployment's transition history",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		transitions, err := newClient().Transitions(context.Background(), args[0])
		if err != nil {
			return fmt.Errorf("list transitions: %w", err)
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "AT\tFROM\tTO\tDETAIL")
		for _, t := range transitions {
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\n",
				t.At.Local().Format("15:04:05"), t.FromStatus, t.ToStatus, t.Detail)
		}
		return w.Flush()
	},
}

var deploymentsStopCmd = &cobra.Command{
	Use:   "stop <deployment-id>",
	Short: "Stop a deployment",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		d, err := newClient().StopDeployment(context.Background(), args[0])
		if err != nil {
			return fmt.Errorf("stop deployment: %w", err)
		}
		fmt.Printf("✓ Stop accepted, deployment is now %s\n", d.Status)
		return nil
	},
}

func init() {
	deploymentsListCmd.Flags().StringVar(&deploymentsStatus, "status", "", "Filter by status")

	deploymentsCmd.AddCommand(deploymentsListCmd)
	deploymentsCmd.AddCommand(deploymentsGetCmd)
	deploymentsCmd.AddCommand(deploymentsLogCmd)
	deploymentsCmd.AddCommand(deploymentsStopCmd)
}

// ── chat ─────────────────────────────────────────────────────────────────────

var chatTitle string

var chatCmd = &cobra.Command{
	Use:   "chat <agent-id>",
	Short: "Open an interactive chat session with a running agent",
	Long: `chat creates a conversation against the agent and streams the reply
tokens live over the conversation WebSocket. End the session with
Ctrl-D or an empty line.`,
	Args: cobra.ExactArgs(1),
	RunE: runChat,
}

func init() {
	chatCmd.Flags().StringVar(&chatTitle, "title", "", "Conversation title")
}

func runChat(cmd *cobra.Command, args []string) error {
	ctx := context.Background()
	c := newClient()

	conv, err := c.CreateConversation(ctx, args[0], chatTitle)
	if err != nil {
		return fmt.Errorf("create conversation: %w", err)
	}
	fmt.Printf("Conversation %s\n", conv.ID)

	stream, err := c.Subscribe(ctx, conv.ID)
	if err != nil {
		return fmt.Errorf("subscribe: %w", err)
	}
	defer stream.Close()

	// The first frame confirms the subscription.
	if f, err := stream.Next(); err != nil || f.Type != "connected" {
		if err != nil {
			return fmt.Errorf("read connected frame: %w", err)
		}
		return fmt.Errorf("unexpected first frame %q", f.Type)
	}

	stdin := bufio.NewReader(os.Stdin)
	for {
		fmt.Print("> ")
		line, readErr := stdin.ReadString('\n')
		line = strings.TrimSpace(line)
		if line == "" {
			fmt.Println("Bye.")
			return nil
		}

		if _, err := c.PostMessage(ctx, conv.ID, "user", line); err != nil {
			return fmt.Errorf("send message: %w", err)
		}

		// Drain frames for this turn until the complete marker.
		streamed := false
	turn:
		for {
			f, err := stream.Next()
			if err != nil {
				return fmt.Errorf("read frame: %w", err)
			}
			switch f.Type {
			case "stream":
				fmt.Print(f.Content)
				streamed = true
			case "warn":
				fmt.Printf("! %s\n", f.Message)
			case "complete":
				if streamed {
					fmt.Println()
				}
				break turn
			}
		}

		if readErr != nil { // EOF after the last line
			return nil
		}
	}
}

// ── version ──────────────────────────────────────────────────────────────────

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the agentctl version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("agentctl %s\n", version)
	},
}
