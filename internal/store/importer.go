package store

import (
	"context"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/pinchtab/postbridge/internal/types"
)

// ImportFile is the YAML shape accepted by `postbridge accounts import`.
//
//	proxies:
//	  - id: p1
//	    host: 10.0.0.2
//	    port: 3128
//	accounts:
//	  - id: a1
//	    username: brand_one
//	    password: secret
//	    proxyId: p1
type ImportFile struct {
	Proxies  []types.Proxy   `yaml:"proxies"`
	Accounts []types.Account `yaml:"accounts"`
}

type ImportSummary struct {
	Proxies  int `json:"proxies"`
	Accounts int `json:"accounts"`
}

// ImportYAML loads path and upserts its proxies, then its accounts. An
// account that references an unknown proxy id is rejected before anything
// is written.
func ImportYAML(ctx context.Context, w Writer, path string) (ImportSummary, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return ImportSummary{}, fmt.Errorf("read import file: %w", err)
	}
	var f ImportFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return ImportSummary{}, fmt.Errorf("parse import file: %w", err)
	}
	return Import(ctx, w, f)
}

func Import(ctx context.Context, w Writer, f ImportFile) (ImportSummary, error) {
	known := make(map[string]bool, len(f.Proxies))
	for _, p := range f.Proxies {
		if p.ID == "" || p.Host == "" || p.Port <= 0 {
			return ImportSummary{}, fmt.Errorf("proxy %q: id, host and port are required", p.ID)
		}
		known[p.ID] = true
	}
	for _, a := range f.Accounts {
		if a.ID == "" || a.Username == "" {
			return ImportSummary{}, fmt.Errorf("account %q: id and username are required", a.ID)
		}
		if a.ProxyID != "" && !known[a.ProxyID] {
			return ImportSummary{}, fmt.Errorf("account %q references unknown proxy %q", a.ID, a.ProxyID)
		}
		if a.PostingMethod != "" && a.PostingMethod != types.PostingBrowser && a.PostingMethod != types.PostingDevice {
			return ImportSummary{}, fmt.Errorf("account %q: unknown posting method %q", a.ID, a.PostingMethod)
		}
	}

	var sum ImportSummary
	for _, p := range f.Proxies {
		if err := w.PutProxy(ctx, p); err != nil {
			return sum, err
		}
		sum.Proxies++
	}
	for _, a := range f.Accounts {
		if err := w.PutAccount(ctx, a); err != nil {
			return sum, err
		}
		sum.Accounts++
	}
	return sum, nil
}
