// Command keygen mints license keys and admin API tokens from the daemon's config.
//
//	keygen key -plugin color-target -type monthly -days 30
//	keygen key -plugin color-target -type personal -personal -target ab12cd
//	keygen token -subject ops@example.com -ttl 1h
package main

import (
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/technosupport/plugin-entitlements/internal/config"
	"github.com/technosupport/plugin-entitlements/internal/licensekey"
	"github.com/technosupport/plugin-entitlements/internal/platform/paths"
	"github.com/technosupport/plugin-entitlements/internal/plugin"
	"github.com/technosupport/plugin-entitlements/internal/tokens"
)

func main() {
	if len(os.Args) < 2 {
		usage()
	}
	var err error
	switch os.Args[1] {
	case "key":
		err = mintKey(os.Args[2:])
	case "token":
		err = mintToken(os.Args[2:])
	default:
		usage()
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "keygen: %v\n", err)
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, "usage: keygen key|token [flags]")
	os.Exit(2)
}

func mintKey(args []string) error {
	fs := flag.NewFlagSet("key", flag.ExitOnError)
	cfgPath := fs.String("config", "", "path to config.yaml")
	pluginID := fs.String("plugin", "", "plugin id")
	subType := fs.String("type", string(licensekey.Lifetime), "subscription type")
	days := fs.Int("days", 0, "days until expiration (0 = none)")
	personal := fs.Bool("personal", false, "bind the key to one device")
	target := fs.String("target", "", "device fingerprint for personal keys")
	fs.Parse(args)

	if *pluginID == "" {
		return fmt.Errorf("-plugin is required")
	}
	if *personal && *target == "" {
		return fmt.Errorf("-personal requires -target")
	}

	def, err := lookupPlugin(*cfgPath, *pluginID)
	if err != nil {
		return err
	}

	now := time.Now().UTC()
	p := licensekey.Payload{
		SubscriptionType: licensekey.SubscriptionType(*subType),
		PluginID:         def.ID,
		PersonalKey:      *personal,
		TargetUserID:     *target,
		PurchaseDate:     licensekey.At(now),
		AdminGenerated:   true,
	}
	if *days > 0 {
		p.ExpirationDate = licensekey.At(now.AddDate(0, 0, *days))
	}

	key, err := licensekey.Encode(def.KeyPrefix, p)
	if err != nil {
		return err
	}
	fmt.Println(key)
	return nil
}

func mintToken(args []string) error {
	fs := flag.NewFlagSet("token", flag.ExitOnError)
	cfgPath := fs.String("config", "", "path to config.yaml")
	subject := fs.String("subject", "", "operator identity")
	ttl := fs.Duration("ttl", 0, "token lifetime (default admin.token_ttl)")
	fs.Parse(args)

	if *subject == "" {
		return fmt.Errorf("-subject is required")
	}
	cfg, err := config.Load(paths.ResolveConfigPath(*cfgPath))
	if err != nil {
		return err
	}
	if *ttl == 0 {
		*ttl = cfg.Admin.TokenTTL
	}

	token, claims, err := tokens.NewManager(cfg.Admin.SigningKey, cfg.Admin.Issuer).GenerateAdminToken(*subject, *ttl)
	if err != nil {
		return err
	}
	fmt.Fprintf(os.Stderr, "jti=%s expires=%s\n", claims.ID, claims.ExpiresAt.Time.Format(time.RFC3339))
	fmt.Println(token)
	return nil
}

// lookupPlugin uses the configured catalog, or the built-in one when no config loads.
func lookupPlugin(cfgPath, id string) (plugin.Definition, error) {
	defs := plugin.DefaultDefinitions()
	if cfg, err := config.Load(paths.ResolveConfigPath(cfgPath)); err == nil {
		defs = cfg.Plugins
	} else if cfgPath != "" {
		return plugin.Definition{}, err
	}
	catalog, err := plugin.NewCatalog(defs)
	if err != nil {
		return plugin.Definition{}, err
	}
	return catalog.Lookup(id)
}
