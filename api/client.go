package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/ipfs/go-cid"
	"go.pdpstore.dev/synapse/chain"
	"go.pdpstore.dev/synapse/storage"
	"go.sia.tech/jape"
)

// A Client is a client for the synapsed API.
type Client struct {
	c jape.Client
}

// State returns the state of the daemon.
func (c *Client) State() (resp StateResponse, err error) {
	err = c.c.GET("/state", &resp)
	return
}

// DataSets returns the client's data sets.
func (c *Client) DataSets() (dataSets []chain.DataSet, err error) {
	err = c.c.GET("/datasets", &dataSets)
	return
}

// Providers returns the approved providers.
func (c *Client) Providers() (providers []storage.ProviderInfo, err error) {
	err = c.c.GET("/providers", &providers)
	return
}

// Uploads returns recorded uploads, oldest first.
func (c *Client) Uploads(offset, limit int) (uploads []UploadEntry, err error) {
	err = c.c.GET(fmt.Sprintf("/uploads?offset=%d&limit=%d", offset, limit), &uploads)
	return
}

// ConvertPieceCID converts a v1 piece CID to v2.
func (c *Client) ConvertPieceCID(v1 string, payloadSize, paddedSize uint64) (string, error) {
	var resp ConvertResponse
	err := c.c.POST("/pieces/convert", ConvertRequest{PieceCIDV1: v1, PayloadSize: payloadSize, PaddedSize: paddedSize}, &resp)
	return resp.PieceCID, err
}

func encodeMetadata(values url.Values, key string, m map[string]string) {
	for _, e := range chain.SortedMetadata(m) {
		values.Add(key, e.Key+"="+e.Value)
	}
}

func (opts UploadOptions) values() url.Values {
	values := url.Values{}
	if opts.ProviderID != 0 {
		values.Set("providerID", strconv.FormatUint(opts.ProviderID, 10))
	}
	if opts.ProviderAddress != "" {
		values.Set("providerAddress", opts.ProviderAddress)
	}
	if opts.DataSetID != 0 {
		values.Set("dataSetID", strconv.FormatUint(opts.DataSetID, 10))
	}
	if opts.WithCDN {
		values.Set("withCDN", "true")
	}
	if opts.ForceCreate {
		values.Set("forceCreate", "true")
	}
	encodeMetadata(values, "metadata", opts.Metadata)
	encodeMetadata(values, "pieceMetadata", opts.PieceMetadata)
	return values
}

func (c *Client) do(ctx context.Context, method, route string, body io.Reader) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.c.BaseURL+route, body)
	if err != nil {
		return nil, err
	}
	req.SetBasicAuth("", c.c.Password)

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		defer resp.Body.Close()
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
		if len(msg) == 0 {
			return nil, fmt.Errorf("%s %s: %s", method, route, resp.Status)
		}
		return nil, errors.New(strings.TrimSpace(string(msg)))
	}
	return resp, nil
}

// Upload uploads the data read from r as one piece.
func (c *Client) Upload(ctx context.Context, r io.Reader, opts UploadOptions) (UploadResponse, error) {
	resp, err := c.do(ctx, http.MethodPost, "/upload?"+opts.values().Encode(), r)
	if err != nil {
		return UploadResponse{}, err
	}
	defer resp.Body.Close()

	var ur UploadResponse
	if err := json.NewDecoder(resp.Body).Decode(&ur); err != nil {
		return UploadResponse{}, fmt.Errorf("failed to decode upload response: %w", err)
	}
	return ur, nil
}

// Download returns a reader of a piece. A non-empty provider restricts
// retrieval to that provider's service address.
func (c *Client) Download(ctx context.Context, pieceCID cid.Cid, provider string) (io.ReadCloser, error) {
	route := "/pieces/" + pieceCID.String()
	if provider != "" {
		route += "?provider=" + url.QueryEscape(provider)
	}
	resp, err := c.do(ctx, http.MethodGet, route, nil)
	if err != nil {
		return nil, err
	}
	return resp.Body, nil
}

// HasPiece reports whether an upload of a piece was recorded.
func (c *Client) HasPiece(ctx context.Context, pieceCID cid.Cid) (bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, c.c.BaseURL+"/pieces/"+pieceCID.String(), nil)
	if err != nil {
		return false, err
	}
	req.SetBasicAuth("", c.c.Password)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return false, err
	}
	resp.Body.Close()
	switch resp.StatusCode {
	case http.StatusOK:
		return true, nil
	case http.StatusNotFound:
		return false, nil
	default:
		return false, fmt.Errorf("HEAD /pieces/%v: %s", pieceCID, resp.Status)
	}
}

// NewClient returns a client for the API at address.
func NewClient(address, password string) *Client {
	return &Client{jape.Client{BaseURL: address, Password: password}}
}
