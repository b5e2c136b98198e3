package util

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
)

// WIMI is the body of a what-is-my-ip service.
type WIMI struct {
	IP  string `json:"ip"` // string like "0.0.0.0"
	GEO string `json:"geo"`
	ISP string `json:"isp"`
}

// GetPublicIP asks the service at url for the address this host is seen
// with, used as the client subnet when none is configured.
func GetPublicIP(ctx context.Context, client *http.Client, url string) (net.IP, error) {

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}

	var res *http.Response
	if res, err = client.Do(req); err != nil {
		return nil, err
	}
	defer func() { _ = res.Body.Close() }()

	if res.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("public ip from %s: %s", url, res.Status)
	}

	var raw []byte
	if raw, err = io.ReadAll(io.LimitReader(res.Body, 4096)); err != nil {
		return nil, err
	}

	var wimi WIMI
	if err = json.Unmarshal(raw, &wimi); err != nil {
		return nil, err
	}

	ip := net.ParseIP(wimi.IP)
	if ip == nil {
		return nil, fmt.Errorf("public ip from %s: invalid address %q", url, wimi.IP)
	}

	return ip, nil
}
