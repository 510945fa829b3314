package retriever

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/ipfs/go-cid"
	"go.pdpstore.dev/synapse/piece"
)

// A URLFunc returns the URL a piece is served from for a client.
type URLFunc func(pieceCID cid.Cid, client string) string

// FilBeamURL serves pieces from the client's subdomain of a FilBeam CDN
// domain, e.g. https://0xabc.filbeam.io/<cid>.
func FilBeamURL(domain string) URLFunc {
	return func(pieceCID cid.Cid, client string) string {
		return fmt.Sprintf("https://%s.%s/%s", strings.ToLower(client), domain, pieceCID)
	}
}

// An HTTPRetriever fetches pieces with a plain GET. It is typically the
// fallback of a ChainRetriever.
type HTTPRetriever struct {
	c        *http.Client
	url      URLFunc
	verifier piece.Digester
}

// FetchPiece implements PieceRetriever.
func (r *HTTPRetriever) FetchPiece(ctx context.Context, pieceCID cid.Cid, client string, _ FetchOptions) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, r.url(pieceCID, client), nil)
	if err != nil {
		return nil, err
	}
	resp, err := r.c.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%s returned %d", req.URL, resp.StatusCode)
	}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read piece %v: %w", pieceCID, err)
	} else if len(data) == 0 {
		return nil, errEmptyPiece
	}
	if r.verifier != nil {
		if err := piece.Verify(r.verifier, pieceCID, data); err != nil {
			return nil, err
		}
	}
	return data, nil
}

// NewHTTPRetriever returns an HTTPRetriever. A nil verifier skips
// verification.
func NewHTTPRetriever(c *http.Client, url URLFunc, verifier piece.Digester) *HTTPRetriever {
	if c == nil {
		c = http.DefaultClient
	}
	return &HTTPRetriever{c: c, url: url, verifier: verifier}
}
