package main

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/org/secretsync/internal/crypto"
	"github.com/org/secretsync/internal/secret"
	"github.com/org/secretsync/pkg/models"
)

func workspacePath() (string, error) {
	if workspace == "" {
		return "", errors.New("no workspace: pass --workspace or set workspace in the config")
	}
	return "/v1/workspaces/" + url.PathEscape(workspace), nil
}

func secretsPath(env string) (string, error) {
	ws, err := workspacePath()
	if err != nil {
		return "", err
	}
	return ws + "/environments/" + url.PathEscape(env) + "/secrets", nil
}

func readEnvFile(name string) ([]secret.EnvVar, error) {
	var r io.Reader = os.Stdin
	if name != "-" {
		f, err := os.Open(name)
		if err != nil {
			return nil, err
		}
		defer f.Close()
		r = f
	}
	return secret.ParseDotEnv(r)
}

// writeOutput writes to path, or stdout when path is empty.
func writeOutput(path, content string) error {
	content = strings.TrimRight(content, "\n")
	if path == "" {
		fmt.Println(content)
		return nil
	}
	return os.WriteFile(path, []byte(content+"\n"), 0600)
}

// toDotEnv decrypts secrets in pull order. The first occurrence of a key
// wins, so a personal secret shadows a shared one.
func toDotEnv(secrets []*models.Secret, key []byte) (string, error) {
	seen := make(map[string]bool, len(secrets))
	vars := make([]secret.EnvVar, 0, len(secrets))
	for _, sec := range secrets {
		k, err := crypto.DecryptField(sec.Key, key)
		if err != nil {
			return "", fmt.Errorf("%w: secret %s: %w", secret.ErrDecryptFailed, sec.ID, err)
		}
		if seen[k] {
			continue
		}
		v, err := crypto.DecryptField(sec.Value, key)
		if err != nil {
			return "", fmt.Errorf("%w: secret %s: %w", secret.ErrDecryptFailed, sec.ID, err)
		}
		seen[k] = true
		vars = append(vars, secret.EnvVar{Key: k, Value: v})
	}
	return secret.ExportDotEnv(vars), nil
}

func secretsCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "secrets", Short: "Push and pull environment secrets"}

	pushCmd := &cobra.Command{
		Use:   "push <env>",
		Short: "Replace the secrets you can see in an environment with a .env file",
		Long: "Encrypts every entry of the file locally and pushes it. The file is the complete\n" +
			"desired state: visible secrets missing from it are deleted.",
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			file, _ := cmd.Flags().GetString("file")
			personal, _ := cmd.Flags().GetBool("personal")

			path, err := secretsPath(args[0])
			if err != nil {
				return err
			}
			key, err := workspaceKey()
			if err != nil {
				return err
			}
			vars, err := readEnvFile(file)
			if err != nil {
				return err
			}

			typ := models.SecretTypeShared
			if personal {
				typ = models.SecretTypePersonal
			}
			batch, err := secret.EncryptBatch(vars, key, typ)
			if err != nil {
				return err
			}

			var res secret.PushResult
			if err := newClient().call(http.MethodPost, path, map[string]any{"secrets": batch}, &res); err != nil {
				return err
			}
			out := map[string]any{
				"added":     res.Added,
				"updated":   res.Updated,
				"deleted":   res.Deleted,
				"unchanged": res.Unchanged,
			}
			if res.Snapshot != nil {
				out["snapshot"] = res.Snapshot.Version
			}
			printResult(out)
			return nil
		},
	}
	pushCmd.Flags().StringP("file", "f", ".env", "Env file to push (- for stdin)")
	pushCmd.Flags().Bool("personal", false, "Push every entry as a personal secret")

	pullCmd := &cobra.Command{
		Use:   "pull <env>",
		Short: "Pull and decrypt the secrets you can see in an environment",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			format, _ := cmd.Flags().GetString("format")
			out, _ := cmd.Flags().GetString("out")

			path, err := secretsPath(args[0])
			if err != nil {
				return err
			}
			var resp struct {
				Secrets []*models.Secret `json:"secrets"`
			}
			if err := newClient().call(http.MethodGet, path, nil, &resp); err != nil {
				return err
			}
			if format == "raw" {
				printJSON(resp.Secrets)
				return nil
			}

			key, err := workspaceKey()
			if err != nil {
				return err
			}
			if format == "dotenv" {
				content, err := toDotEnv(resp.Secrets, key)
				if err != nil {
					return err
				}
				return writeOutput(out, content)
			}

			f, err := secret.ParseFormat(format)
			if err != nil {
				return err
			}
			content, err := secret.Decrypt(resp.Secrets, key, f)
			if err != nil {
				return err
			}
			if text, ok := content.(secret.TextContent); ok {
				return writeOutput(out, string(text))
			}
			if out != "" {
				return errors.New("--out supports text and dotenv formats only")
			}
			printJSON(content)
			return nil
		},
	}
	pullCmd.Flags().String("format", "dotenv", "text, object, expanded, dotenv or raw")
	pullCmd.Flags().String("out", "", "Write to this file instead of stdout")

	versionsCmd := &cobra.Command{
		Use:   "versions <secret-id>",
		Short: "Show the version history of a secret",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ws, err := workspacePath()
			if err != nil {
				return err
			}
			var resp struct {
				Versions []models.SecretVersion `json:"versions"`
			}
			if err := newClient().call(http.MethodGet, ws+"/secrets/"+url.PathEscape(args[0])+"/versions", nil, &resp); err != nil {
				return err
			}
			rows := make([][]string, len(resp.Versions))
			for i, v := range resp.Versions {
				rows[i] = []string{
					strconv.Itoa(v.Version),
					v.Environment,
					string(v.Type),
					strconv.FormatBool(v.IsDeleted),
					v.CreatedAt.Format(time.RFC3339),
				}
			}
			printRows([]string{"VERSION", "ENVIRONMENT", "TYPE", "DELETED", "CREATED"}, rows)
			return nil
		},
	}

	cmd.AddCommand(pushCmd, pullCmd, versionsCmd)
	return cmd
}

func snapshotsCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "snapshots", Short: "Inspect workspace snapshots"}

	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List snapshots, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			limit, _ := cmd.Flags().GetInt("limit")
			offset, _ := cmd.Flags().GetInt("offset")
			ws, err := workspacePath()
			if err != nil {
				return err
			}
			var resp struct {
				Snapshots []models.SecretSnapshot `json:"snapshots"`
			}
			path := fmt.Sprintf("%s/snapshots?limit=%d&offset=%d", ws, limit, offset)
			if err := newClient().call(http.MethodGet, path, nil, &resp); err != nil {
				return err
			}
			rows := make([][]string, len(resp.Snapshots))
			for i, s := range resp.Snapshots {
				rows[i] = []string{strconv.Itoa(s.Version), strconv.Itoa(len(s.Secrets)), s.CreatedAt.Format(time.RFC3339)}
			}
			printRows([]string{"VERSION", "SECRETS", "CREATED"}, rows)
			return nil
		},
	}
	listCmd.Flags().Int("limit", 20, "Maximum snapshots to list")
	listCmd.Flags().Int("offset", 0, "Snapshots to skip")

	getCmd := &cobra.Command{
		Use:   "get <version>",
		Short: "Show the secrets recorded in one snapshot",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ws, err := workspacePath()
			if err != nil {
				return err
			}
			var snap models.SecretSnapshot
			if err := newClient().call(http.MethodGet, ws+"/snapshots/"+url.PathEscape(args[0]), nil, &snap); err != nil {
				return err
			}
			if outputFormat == "json" {
				printJSON(snap)
				return nil
			}
			rows := make([][]string, len(snap.Secrets))
			for i, s := range snap.Secrets {
				rows[i] = []string{s.ID, s.Environment, string(s.Type), strconv.Itoa(s.Version)}
			}
			printRows([]string{"ID", "ENVIRONMENT", "TYPE", "VERSION"}, rows)
			return nil
		},
	}

	cmd.AddCommand(listCmd, getCmd)
	return cmd
}
