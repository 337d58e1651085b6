package main

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/org/secretsync/internal/crypto"
)

var workspace string

var rootCmd = &cobra.Command{
	Use:           "secretsync",
	Short:         "secretsync CLI",
	Long:          "Push and pull end-to-end encrypted environment secrets.",
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		loadConfig()
		// Env var overrides are applied in newClient()
		if workspace == "" {
			workspace = cfg.Workspace
		}
	},
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		printError(err.Error())
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&outputFormat, "output", "o", "table", "Output format: table, json, raw")
	rootCmd.PersistentFlags().StringVar(&outputField, "field", "", "Print only this field (use with --output=raw)")
	rootCmd.PersistentFlags().StringVarP(&workspace, "workspace", "w", "", "Workspace ID (default from config)")

	rootCmd.AddCommand(operatorCmd())
	rootCmd.AddCommand(keygenCmd())
	rootCmd.AddCommand(secretsCmd())
	rootCmd.AddCommand(snapshotsCmd())
	rootCmd.AddCommand(policyCmd())
	rootCmd.AddCommand(identityCmd())
	rootCmd.AddCommand(tokenCmd())
}

// saveToken stores a token in the CLI config.
func saveToken(tok string) {
	cfg.Token = tok
	if err := saveConfig(); err == nil {
		fmt.Fprintln(os.Stderr, "Token saved to config.")
	}
}

// --- operator ---

func operatorCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "operator", Short: "Deployment operator commands"}

	initCmd := &cobra.Command{
		Use:   "init",
		Short: "Initialize the deployment and obtain the root token",
		RunE: func(cmd *cobra.Command, args []string) error {
			result, err := newClient().post("/v1/sys/init", nil)
			if err != nil {
				return err
			}
			if tok, ok := result["root_token"].(string); ok {
				saveToken(tok)
			}
			printResult(result)
			return nil
		},
	}

	healthCmd := &cobra.Command{
		Use:   "health",
		Short: "Show server health",
		RunE: func(cmd *cobra.Command, args []string) error {
			result, err := newClient().get("/v1/sys/health")
			if err != nil {
				return err
			}
			printResult(result)
			return nil
		},
	}

	cmd.AddCommand(initCmd, healthCmd)
	return cmd
}

// --- keygen ---

func keygenCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "keygen",
		Short: "Generate a workspace key and record it in the config",
		RunE: func(cmd *cobra.Command, args []string) error {
			out, _ := cmd.Flags().GetString("out")
			if out == "" {
				out = filepath.Join(filepath.Dir(configPath()), "workspace.key")
			}
			if _, err := os.Stat(out); err == nil {
				return fmt.Errorf("%s already exists; refusing to overwrite a key", out)
			}

			key, err := crypto.GenerateKey()
			if err != nil {
				return err
			}
			if err := os.MkdirAll(filepath.Dir(out), 0700); err != nil {
				return err
			}
			if err := os.WriteFile(out, []byte(crypto.EncodeKey(key)+"\n"), 0600); err != nil {
				return err
			}
			cfg.KeyFile = out
			if err := saveConfig(); err != nil {
				return err
			}
			printSuccess("Success! Key written to " + out + ". Share it with your team out of band.")
			return nil
		},
	}
	cmd.Flags().String("out", "", "Key file path (default ~/.secretsync/workspace.key)")
	return cmd
}

// --- policy ---

func policyCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "policy", Short: "Manage policies"}

	writeCmd := &cobra.Command{
		Use:   "write <name> <file>",
		Short: "Write a policy from a JSON file",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			name := args[0]
			data, err := os.ReadFile(args[1])
			if err != nil {
				return err
			}
			var body map[string]any
			if err := json.Unmarshal(data, &body); err != nil {
				return fmt.Errorf("parsing policy file: %w", err)
			}
			if _, err := newClient().post("/v1/sys/policy/"+name, body); err != nil {
				return err
			}
			printSuccess("Success! Uploaded policy: " + name)
			return nil
		},
	}

	readCmd := &cobra.Command{
		Use:   "read <name>",
		Short: "Read a policy",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			result, err := newClient().get("/v1/sys/policy/" + args[0])
			if err != nil {
				return err
			}
			printResult(result)
			return nil
		},
	}

	deleteCmd := &cobra.Command{
		Use:   "delete <name>",
		Short: "Delete a policy",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := newClient().delete("/v1/sys/policy/" + args[0]); err != nil {
				return err
			}
			printSuccess("Success! Deleted policy: " + args[0])
			return nil
		},
	}

	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List all policies",
		RunE: func(cmd *cobra.Command, args []string) error {
			result, err := newClient().get("/v1/sys/policy")
			if err != nil {
				return err
			}
			if policies, ok := result["policies"].([]any); ok {
				for _, p := range policies {
					fmt.Println(p)
				}
				return nil
			}
			printResult(result)
			return nil
		},
	}

	cmd.AddCommand(writeCmd, readCmd, deleteCmd, listCmd)
	return cmd
}

// --- machine identities ---

func identityCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "identity", Short: "Machine identities for CI and services"}

	createCmd := &cobra.Command{
		Use:   "create <name>",
		Short: "Create or update a machine identity",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			policies, _ := cmd.Flags().GetStringSlice("policies")
			secretTTL, _ := cmd.Flags().GetString("client-secret-ttl")
			tokenTTL, _ := cmd.Flags().GetString("token-ttl")
			result, err := newClient().post("/v1/auth/machine/identity", map[string]any{
				"name":              args[0],
				"token_policies":    policies,
				"client_secret_ttl": secretTTL,
				"token_ttl":         tokenTTL,
			})
			if err != nil {
				return err
			}
			printResult(result)
			return nil
		},
	}
	createCmd.Flags().StringSlice("policies", []string{"default"}, "Policies for issued tokens")
	createCmd.Flags().String("client-secret-ttl", "", "TTL for client secrets (e.g. 720h)")
	createCmd.Flags().String("token-ttl", "1h", "TTL for issued tokens")

	secretCmd := &cobra.Command{
		Use:   "secret <name>",
		Short: "Issue a client secret for an identity",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			uses, _ := cmd.Flags().GetInt("uses")
			result, err := newClient().post("/v1/auth/machine/identity/"+args[0]+"/client-secret", map[string]any{"uses": uses})
			if err != nil {
				return err
			}
			if d, ok := result["data"].(map[string]any); ok {
				printResult(d)
				return nil
			}
			printResult(result)
			return nil
		},
	}
	secretCmd.Flags().Int("uses", 0, "Number of logins allowed (0 for unlimited)")

	loginCmd := &cobra.Command{
		Use:   "login",
		Short: "Log in as a machine identity",
		RunE: func(cmd *cobra.Command, args []string) error {
			clientID, _ := cmd.Flags().GetString("client-id")
			clientSecret, _ := cmd.Flags().GetString("client-secret")
			if clientSecret == "" {
				clientSecret = os.Getenv("SECRETSYNC_CLIENT_SECRET")
			}
			result, err := newClient().post("/v1/auth/machine/login", map[string]any{
				"client_id":     clientID,
				"client_secret": clientSecret,
			})
			if err != nil {
				return err
			}
			if auth, ok := result["auth"].(map[string]any); ok {
				if tok, ok := auth["client_token"].(string); ok {
					saveToken(tok)
				}
				printResult(auth)
				return nil
			}
			printResult(result)
			return nil
		},
	}
	loginCmd.Flags().String("client-id", "", "Client ID")
	loginCmd.Flags().String("client-secret", "", "Client secret (or SECRETSYNC_CLIENT_SECRET)")

	cmd.AddCommand(createCmd, secretCmd, loginCmd)
	return cmd
}

// --- token ---

func tokenCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "token", Short: "Token management"}

	createCmd := &cobra.Command{
		Use:   "create",
		Short: "Create a token",
		RunE: func(cmd *cobra.Command, args []string) error {
			policies, _ := cmd.Flags().GetStringSlice("policy")
			ttl, _ := cmd.Flags().GetString("ttl")
			renewable, _ := cmd.Flags().GetBool("renewable")
			result, err := newClient().post("/v1/auth/token/create", map[string]any{
				"policies":  policies,
				"ttl":       ttl,
				"renewable": renewable,
			})
			if err != nil {
				return err
			}
			if auth, ok := result["auth"].(map[string]any); ok {
				printResult(auth)
				return nil
			}
			printResult(result)
			return nil
		},
	}
	createCmd.Flags().StringSlice("policy", []string{"default"}, "Policies to attach")
	createCmd.Flags().String("ttl", "", "Token TTL (e.g. 24h)")
	createCmd.Flags().Bool("renewable", false, "Whether token is renewable")

	revokeCmd := &cobra.Command{
		Use:   "revoke <token>",
		Short: "Revoke a token",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, err := newClient().post("/v1/auth/token/revoke", map[string]any{"token": args[0]}); err != nil {
				return err
			}
			printSuccess("Success! Token revoked.")
			return nil
		},
	}

	lookupCmd := &cobra.Command{
		Use:   "lookup",
		Short: "Look up the current token",
		RunE: func(cmd *cobra.Command, args []string) error {
			result, err := newClient().get("/v1/auth/token/lookup-self")
			if err != nil {
				return err
			}
			if d, ok := result["data"].(map[string]any); ok {
				printResult(d)
				return nil
			}
			printResult(result)
			return nil
		},
	}

	renewCmd := &cobra.Command{
		Use:   "renew",
		Short: "Renew the current token",
		RunE: func(cmd *cobra.Command, args []string) error {
			increment, _ := cmd.Flags().GetString("increment")
			result, err := newClient().post("/v1/auth/token/renew-self", map[string]any{"increment": increment})
			if err != nil {
				return err
			}
			if auth, ok := result["auth"].(map[string]any); ok {
				printResult(auth)
				return nil
			}
			printResult(result)
			return nil
		},
	}
	renewCmd.Flags().String("increment", "", "New TTL from now (default: the token's TTL)")

	cmd.AddCommand(createCmd, revokeCmd, lookupCmd, renewCmd)
	return cmd
}
