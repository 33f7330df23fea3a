package main

import (
	"context"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/rsclarke/sebcoord/internal/api"
)

var keysFlags struct {
	clientConfig
	keyType    string
	value      string
	examID     int64
	templateID int64
	tag        string
	all        bool
}

var keysCmd = &cobra.Command{
	Use:   "keys",
	Short: "Manage trusted exam client security keys",
}

var keysRegisterCmd = &cobra.Command{
	Use:   "register",
	Short: "Register a trusted security key",
	Long: `Register a security key. Without --exam or --template the key is trusted
for every exam of the institution. Registering the same key again returns the
existing id.`,
	RunE: runKeysRegister,
}

var keysListCmd = &cobra.Command{
	Use:   "list",
	Short: "List the institution's security keys",
	RunE:  runKeysList,
}

var keysRevokeCmd = &cobra.Command{
	Use:   "revoke <key-id>",
	Short: "Revoke a security key",
	Args:  cobra.ExactArgs(1),
	RunE:  runKeysRevoke,
}

func init() {
	rootCmd.AddCommand(keysCmd)
	keysCmd.AddCommand(keysRegisterCmd, keysListCmd, keysRevokeCmd)

	for _, c := range []*cobra.Command{keysRegisterCmd, keysListCmd, keysRevokeCmd} {
		addClientFlags(c, &keysFlags.clientConfig)
	}
	keysRegisterCmd.Flags().StringVar(&keysFlags.keyType, "type", "", "key type (APP_SIGNATURE_KEY, BROWSER_EXAM_KEY, CONFIG_KEY)")
	keysRegisterCmd.Flags().StringVar(&keysFlags.value, "value", "", "key value")
	keysRegisterCmd.Flags().Int64Var(&keysFlags.examID, "exam", 0, "restrict the key to one exam")
	keysRegisterCmd.Flags().Int64Var(&keysFlags.templateID, "template", 0, "restrict the key to exams of one template")
	keysRegisterCmd.Flags().StringVar(&keysFlags.tag, "tag", "", "free-form label")
	_ = keysRegisterCmd.MarkFlagRequired("type")
	_ = keysRegisterCmd.MarkFlagRequired("value")
	keysRegisterCmd.MarkFlagsMutuallyExclusive("exam", "template")

	keysListCmd.Flags().BoolVar(&keysFlags.all, "all", false, "include revoked keys")
}

func runKeysRegister(cmd *cobra.Command, args []string) error {
	c, err := keysFlags.newClient()
	if err != nil {
		return err
	}
	id, err := c.RegisterKey(context.Background(), api.RegisterKeyRequest{
		KeyType:    strings.ToUpper(keysFlags.keyType),
		KeyValue:   keysFlags.value,
		ExamID:     optionalID(cmd, "exam", keysFlags.examID),
		TemplateID: optionalID(cmd, "template", keysFlags.templateID),
		Tag:        keysFlags.tag,
	})
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(cmd.OutOrStdout(), "Security key %d registered\n", id)
	return err
}

func runKeysList(cmd *cobra.Command, args []string) error {
	c, err := keysFlags.newClient()
	if err != nil {
		return err
	}
	resp, err := c.ListKeys(context.Background(), keysFlags.all)
	if err != nil {
		return err
	}
	if len(resp.Keys) == 0 {
		_, err = fmt.Fprintln(cmd.OutOrStdout(), "No security keys found.")
		return err
	}

	out := cmd.OutOrStdout()
	_, _ = fmt.Fprintf(out, "%-6s  %-18s  %-10s  %-8s  %s\n", "ID", "TYPE", "SCOPE", "REVOKED", "VALUE")
	for _, k := range resp.Keys {
		scope := "institution"
		switch {
		case k.ExamID != nil:
			scope = fmt.Sprintf("exam:%d", *k.ExamID)
		case k.TemplateID != nil:
			scope = fmt.Sprintf("tmpl:%d", *k.TemplateID)
		}
		revoked := "no"
		if k.RevokedAt != nil {
			revoked = "yes"
		}
		_, _ = fmt.Fprintf(out, "%-6d  %-18s  %-10s  %-8s  %s\n", k.ID, k.KeyType, scope, revoked, k.KeyValue)
	}
	return nil
}

func runKeysRevoke(cmd *cobra.Command, args []string) error {
	id, err := parseID(args[0])
	if err != nil {
		return err
	}
	c, err := keysFlags.newClient()
	if err != nil {
		return err
	}
	if err := c.RevokeKey(context.Background(), id); err != nil {
		return err
	}
	return printJSON(cmd, struct {
		ID      int64 `json:"id"`
		Revoked bool  `json:"revoked"`
	}{id, true})
}
