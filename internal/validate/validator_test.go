package validate

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/resilient-extractor/internal/extraction"
)

func TestValidatorURL(t *testing.T) {
	t.Parallel()

	v := Default()
	tests := []struct {
		name    string
		url     string
		wantErr error
	}{
		{name: "public https", url: "https://example.com"},
		{name: "public with path", url: "http://example.com/a?b=c"},
		{name: "metadata ip", url: "http://169.254.169.254", wantErr: extraction.ErrBlockedHost},
		{name: "localhost upper", url: "http://LOCALHOST:8080/", wantErr: extraction.ErrBlockedHost},
		{name: "localhost subdomain", url: "http://app.localhost/", wantErr: extraction.ErrBlockedHost},
		{name: "gcp metadata", url: "http://metadata.google.internal/computeMetadata/v1", wantErr: extraction.ErrBlockedHost},
		{name: "ipv6 loopback", url: "http://[::1]/", wantErr: extraction.ErrBlockedHost},
		{name: "mapped loopback", url: "http://[::ffff:127.0.0.1]/", wantErr: extraction.ErrBlockedHost},
		{name: "other loopback", url: "http://127.0.0.2/", wantErr: extraction.ErrBlockedHost},
		{name: "ten net", url: "http://10.0.0.1", wantErr: extraction.ErrPrivateIP},
		{name: "172 16", url: "http://172.20.1.1", wantErr: extraction.ErrPrivateIP},
		{name: "172 outside", url: "http://172.32.0.1"},
		{name: "192 168", url: "https://192.168.1.10/admin", wantErr: extraction.ErrPrivateIP},
		{name: "ula", url: "http://[fd12:3456::1]/", wantErr: extraction.ErrPrivateIP},
		{name: "link local v6", url: "http://[fe80::1]/", wantErr: extraction.ErrPrivateIP},
		{name: "ftp", url: "ftp://example.com", wantErr: extraction.ErrInvalidScheme},
		{name: "javascript", url: "javascript:alert(1)", wantErr: extraction.ErrInvalidScheme},
		{name: "no host", url: "http://", wantErr: extraction.ErrInvalidURL},
		{name: "garbage", url: "http://[::1", wantErr: extraction.ErrInvalidURL},
		{name: "decimal loopback", url: "http://2130706433/", wantErr: extraction.ErrBlockedHost},
		{name: "hex octet loopback", url: "http://0x7f.0.0.1/", wantErr: extraction.ErrBlockedHost},
		{name: "short loopback", url: "http://127.1/", wantErr: extraction.ErrBlockedHost},
		{name: "octal loopback", url: "http://017700000001/", wantErr: extraction.ErrBlockedHost},
		{name: "zero host", url: "http://0/", wantErr: extraction.ErrBlockedHost},
		{name: "short ten net", url: "http://10.1/", wantErr: extraction.ErrPrivateIP},
		{name: "hex metadata", url: "http://0xa9fea9fe/latest/meta-data/", wantErr: extraction.ErrBlockedHost},
		{name: "octal private", url: "http://0300.0250.0.1/", wantErr: extraction.ErrPrivateIP},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			_, err := v.URL(tt.url)
			if tt.wantErr == nil {
				require.NoError(t, err)
				return
			}
			require.ErrorIs(t, err, tt.wantErr)
			require.ErrorIs(t, err, extraction.ErrValidation)
		})
	}
}

func TestValidatorSelector(t *testing.T) {
	t.Parallel()

	v := Default()
	require.NoError(t, v.Selector("selector", "main, article > p.lead"))
	for _, bad := range []string{"<script>", `a[href="x"]`, "a'", "a; b", `a\b`, "a>b<c"} {
		require.ErrorIs(t, v.Selector("selector", bad), extraction.ErrInvalidSelector, bad)
	}
	require.ErrorIs(t, v.Selector("selector", strings.Repeat("a", 501)), extraction.ErrInvalidSelector)
	require.NoError(t, v.Selector("selector", strings.Repeat("a", 500)))
}

func TestValidatorTaskDefaults(t *testing.T) {
	t.Parallel()

	task, err := Default().Task(extraction.RawTask{URL: " https://example.com/x ", ExtractImages: true}, "b-0")
	require.NoError(t, err)
	require.Equal(t, "b-0", task.ID)
	require.Equal(t, "https://example.com/x", task.URL)

	task, err = Default().Task(extraction.RawTask{URL: "HTTPS://Example.COM"}, "b-2")
	require.NoError(t, err)
	require.Equal(t, "https://example.com/", task.URL)
	require.Equal(t, extraction.DefaultSelector, task.Selector)
	require.Empty(t, task.WaitFor)
	require.True(t, task.ExtractImages)

	_, err = Default().Task(extraction.RawTask{URL: "https://example.com", WaitFor: "#x'"}, "b-1")
	require.ErrorIs(t, err, extraction.ErrInvalidSelector)
}

func TestValidatorBatch(t *testing.T) {
	t.Parallel()

	v := Default()

	tasks, err := v.Batch("batch_1", []extraction.RawTask{
		{URL: "https://example.com/a"},
		{URL: ""},
		{URL: "https://example.org/b", Selector: "article"},
	})
	require.NoError(t, err)
	require.Len(t, tasks, 2)
	require.Equal(t, "batch_1-0", tasks[0].ID)
	require.Equal(t, "batch_1-2", tasks[1].ID)
	require.Equal(t, "article", tasks[1].Selector)

	_, err = v.Batch("batch_1", nil)
	require.ErrorIs(t, err, extraction.ErrInvalidBatch)

	_, err = v.Batch("batch_1", []extraction.RawTask{{URL: " "}})
	require.ErrorIs(t, err, extraction.ErrInvalidBatch)

	tooMany := make([]extraction.RawTask, MaxBatchSize+1)
	for i := range tooMany {
		tooMany[i] = extraction.RawTask{URL: "https://example.com"}
	}
	_, err = v.Batch("batch_1", tooMany)
	require.ErrorIs(t, err, extraction.ErrInvalidBatch)

	for _, id := range []string{"", "bad id", "a/b", strings.Repeat("x", 101)} {
		_, err = v.Batch(id, []extraction.RawTask{{URL: "https://example.com"}})
		require.ErrorIs(t, err, extraction.ErrInvalidBatch, id)
	}

	_, err = v.Batch("ok", []extraction.RawTask{{URL: "https://example.com"}, {URL: "http://10.1.2.3"}})
	require.ErrorIs(t, err, extraction.ErrPrivateIP)
	require.Contains(t, err.Error(), "task 1")
}

func TestNewRejectsBadRanges(t *testing.T) {
	t.Parallel()

	_, err := New(Config{PrivateRanges: []string{"not-a-cidr"}})
	require.Error(t, err)

	v, err := New(Config{BlockedHosts: []string{"*.internal.example"}})
	require.NoError(t, err)
	_, err = v.URL("https://svc.internal.example/")
	require.ErrorIs(t, err, extraction.ErrBlockedHost)
	_, err = v.URL("https://metadata.google.internal/")
	require.NoError(t, err)
}
