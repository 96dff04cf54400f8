package enrich

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"time"
)

// maxFeedBody caps how much of a feed response we read; a misbehaving feed
// must not balloon memory.
const maxFeedBody = 4 << 20

// nvdClient fetches vulnerability data from an NVD 2.0 compatible JSON
// endpoint, keyed on "<service> <version>".
type nvdClient struct {
	baseURL string
	http    *http.Client
}

func newNVDClient(baseURL string, timeout time.Duration) *nvdClient {
	if timeout <= 0 || timeout > 15*time.Second {
		timeout = 15 * time.Second
	}
	return &nvdClient{
		baseURL: baseURL,
		http:    &http.Client{Timeout: timeout},
	}
}

// NVD 2.0 response shape, reduced to the fields we consume.
type nvdResponse struct {
	Vulnerabilities []struct {
		CVE struct {
			ID      string `json:"id"`
			Metrics struct {
				CVSSMetricV31 []nvdMetric `json:"cvssMetricV31"`
				CVSSMetricV30 []nvdMetric `json:"cvssMetricV30"`
				CVSSMetricV2  []nvdMetric `json:"cvssMetricV2"`
			} `json:"metrics"`
		} `json:"cve"`
	} `json:"vulnerabilities"`
}

type nvdMetric struct {
	CVSSData struct {
		BaseScore float64 `json:"baseScore"`
	} `json:"cvssData"`
}

// fetch queries the feed. Any failure (non-200, malformed JSON, timeout)
// returns an error; callers reduce all errors to an empty result.
func (n *nvdClient) fetch(ctx context.Context, keyword string) ([]CVERecord, error) {
	u, err := url.Parse(n.baseURL)
	if err != nil {
		return nil, fmt.Errorf("feed url: %w", err)
	}
	q := u.Query()
	q.Set("keywordSearch", keyword)
	q.Set("resultsPerPage", "20")
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")

	resp, err := n.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("feed request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("feed status %d", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxFeedBody))
	if err != nil {
		return nil, fmt.Errorf("feed read: %w", err)
	}

	var parsed nvdResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, fmt.Errorf("feed decode: %w", err)
	}

	records := make([]CVERecord, 0, len(parsed.Vulnerabilities))
	for _, v := range parsed.Vulnerabilities {
		if v.CVE.ID == "" {
			continue
		}
		records = append(records, CVERecord{ID: v.CVE.ID, CVSS: bestScore(v.CVE.Metrics.CVSSMetricV31, v.CVE.Metrics.CVSSMetricV30, v.CVE.Metrics.CVSSMetricV2)})
	}
	sort.SliceStable(records, func(i, j int) bool { return records[i].CVSS > records[j].CVSS })
	return records, nil
}

// bestScore prefers v3.1 over v3.0 over v2 metrics.
func bestScore(metricSets ...[]nvdMetric) float64 {
	for _, set := range metricSets {
		if len(set) > 0 {
			return set[0].CVSSData.BaseScore
		}
	}
	return 0
}
