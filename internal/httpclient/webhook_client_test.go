package httpclient

import (
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func mustParseIP(t *testing.T, s string) net.IP {
	t.Helper()
	ip := net.ParseIP(s)
	require.NotNil(t, ip, s)
	return ip
}

func TestValidateURLDefaults(t *testing.T) {
	client := NewWebhookClient(5 * time.Second)

	valid := []string{
		"https://hooks.example.com/alerts",
		"http://alerts.example.org:8080/webhook",
	}
	for _, u := range valid {
		_, err := client.ValidateURL(u)
		assert.NoError(t, err, u)
	}

	blocked := []string{
		"ftp://example.com/alerts",
		"https://localhost/alerts",
		"https://localhost.localdomain/alerts",
		"https://foo.localhost/alerts",
		"https://127.0.0.1/alerts",
		"https://10.1.2.3/alerts",
		"https://172.16.0.1/alerts",
		"https://192.168.1.1/alerts",
		"https://169.254.169.254/latest/meta-data",
		"https://user@example.com/alerts",
		"https://[::1]/alerts",
		"://missing-scheme",
	}
	for _, u := range blocked {
		_, err := client.ValidateURL(u)
		assert.Error(t, err, u)
	}
}

func TestValidateURLAllowsPrivateWhenDisabled(t *testing.T) {
	allow := false
	client := NewWebhookClientWithOptions(5*time.Second, WebhookClientOptions{
		BlockPrivateIP: &allow,
	})

	_, err := client.ValidateURL("http://127.0.0.1:9999/webhook")
	require.NoError(t, err)
}

func TestIsPrivateIPRanges(t *testing.T) {
	private := []string{"10.0.0.1", "172.20.1.1", "192.168.0.5", "127.0.0.1", "169.254.1.1", "0.0.0.1", "::1", "fc00::1", "fe80::1"}
	public := []string{"8.8.8.8", "1.1.1.1", "93.184.216.34", "2606:4700::1111"}

	for _, s := range private {
		assert.True(t, isPrivateIP(mustParseIP(t, s)), s)
	}
	for _, s := range public {
		assert.False(t, isPrivateIP(mustParseIP(t, s)), s)
	}
}
