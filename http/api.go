package http

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/ipfs/go-cid"
	"go.pdpstore.dev/synapse/api"
	"go.pdpstore.dev/synapse/build"
	"go.pdpstore.dev/synapse/chain"
	"go.pdpstore.dev/synapse/resolver"
	"go.pdpstore.dev/synapse/retriever"
	"go.pdpstore.dev/synapse/storage"
	"go.sia.tech/jape"
	"go.uber.org/zap"
)

type (
	// An UploadStore lists recorded uploads.
	UploadStore interface {
		Uploads(offset, limit int) ([]storage.Upload, error)
		PieceUploads(pieceCID cid.Cid) ([]storage.Upload, error)
	}

	apiServer struct {
		manager *storage.Manager
		uploads UploadStore
		log     *zap.Logger

		startTime time.Time
	}
)

func contextInfo(c *storage.Context) *api.ContextInfo {
	if c == nil {
		return nil
	}
	return &api.ContextInfo{
		DataSetID:       c.DataSetID(),
		ClientDataSetID: c.ClientDataSetID(),
		Provider:        c.Provider(),
		Endpoint:        c.Endpoint(),
		Metadata:        c.Metadata(),
	}
}

// errorStatus maps an error to the status code it is reported with.
func errorStatus(err error) int {
	var (
		ownership  *resolver.OwnershipError
		consistent *resolver.ConsistencyError
		mismatch   *resolver.MetadataMismatchError
		approval   *resolver.ApprovalError
		noProvider *resolver.NoProviderError
		notFound   *retriever.PieceNotFoundError
	)
	switch {
	case errors.Is(err, storage.ErrUploadTooSmall), errors.Is(err, storage.ErrUploadTooLarge):
		return http.StatusBadRequest
	case errors.As(err, &ownership), errors.As(err, &consistent), errors.As(err, &mismatch), errors.As(err, &approval):
		return http.StatusBadRequest
	case errors.As(err, &noProvider):
		return http.StatusServiceUnavailable
	case errors.As(err, &notFound), errors.Is(err, chain.ErrNotFound):
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}

func decodeMetadata(values []string) (map[string]string, error) {
	if len(values) == 0 {
		return nil, nil
	}
	m := make(map[string]string, len(values))
	for _, v := range values {
		key, value, ok := strings.Cut(v, "=")
		if !ok || key == "" {
			return nil, fmt.Errorf("invalid metadata %q, expected key=value", v)
		}
		m[key] = value
	}
	return m, nil
}

func decodeCID(jc jape.Context) (cid.Cid, bool) {
	var cidStr string
	if err := jc.DecodeParam("cid", &cidStr); err != nil {
		return cid.Undef, false
	}
	c, err := cid.Parse(cidStr)
	if err != nil {
		jc.Error(err, http.StatusBadRequest)
		return cid.Undef, false
	}
	return c, true
}

func (as *apiServer) handleGETState(jc jape.Context) {
	network := as.manager.Network()
	jc.Encode(api.StateResponse{
		Address:   as.manager.Address(),
		Network:   network.Name,
		ChainID:   network.ChainID,
		Version:   build.Version(),
		Commit:    build.Commit(),
		BuildTime: build.Time(),
		StartTime: as.startTime,

		DefaultContext: contextInfo(as.manager.DefaultContext()),
	})
}

func (as *apiServer) handlePOSTUpload(jc jape.Context) {
	var opts resolver.Options
	if err := jc.DecodeForm("providerID", &opts.ProviderID); err != nil {
		return
	} else if err := jc.DecodeForm("providerAddress", &opts.ProviderAddress); err != nil {
		return
	} else if err := jc.DecodeForm("dataSetID", &opts.DataSetID); err != nil {
		return
	} else if err := jc.DecodeForm("withCDN", &opts.WithCDN); err != nil {
		return
	} else if err := jc.DecodeForm("forceCreate", &opts.ForceCreate); err != nil {
		return
	}

	query := jc.Request.URL.Query()
	var err error
	if opts.Metadata, err = decodeMetadata(query["metadata"]); err != nil {
		jc.Error(err, http.StatusBadRequest)
		return
	}
	var popts storage.PieceOptions
	if popts.Metadata, err = decodeMetadata(query["pieceMetadata"]); err != nil {
		jc.Error(err, http.StatusBadRequest)
		return
	}

	body := jc.Request.Body
	defer body.Close()
	data, err := io.ReadAll(io.LimitReader(body, storage.MaxUploadSize+1))
	if err != nil {
		jc.Error(fmt.Errorf("failed to read upload: %w", err), http.StatusBadRequest)
		return
	}

	res, err := as.manager.Upload(jc.Request.Context(), data, opts, popts)
	if err != nil {
		as.log.Debug("upload failed", zap.Int("size", len(data)), zap.Error(err))
		jc.Error(err, errorStatus(err))
		return
	}
	jc.Encode(res)
}

func (as *apiServer) handleGETPiece(jc jape.Context) {
	c, ok := decodeCID(jc)
	if !ok {
		return
	}
	var provider string
	if err := jc.DecodeForm("provider", &provider); err != nil {
		return
	}

	data, err := as.manager.Download(jc.Request.Context(), c, storage.DownloadOptions{ProviderAddress: provider})
	if err != nil {
		jc.Error(err, errorStatus(err))
		return
	}
	jc.ResponseWriter.Header().Set("Content-Type", "application/octet-stream")
	jc.ResponseWriter.Header().Set("Content-Length", strconv.Itoa(len(data)))
	jc.ResponseWriter.WriteHeader(http.StatusOK)
	if _, err := jc.ResponseWriter.Write(data); err != nil {
		as.log.Debug("failed to write piece", zap.Stringer("pieceCID", c), zap.Error(err))
	}
}

func (as *apiServer) handleHEADPiece(jc jape.Context) {
	c, ok := decodeCID(jc)
	if !ok {
		return
	}
	uploads, err := as.uploads.PieceUploads(c)
	if err != nil {
		jc.Error(err, http.StatusInternalServerError)
		return
	} else if len(uploads) == 0 {
		jc.ResponseWriter.WriteHeader(http.StatusNotFound)
		return
	}
	jc.ResponseWriter.Header().Set("Content-Length", strconv.FormatUint(uploads[0].PayloadSize, 10))
	jc.ResponseWriter.WriteHeader(http.StatusOK)
}

func (as *apiServer) handlePOSTConvert(jc jape.Context) {
	var req api.ConvertRequest
	if err := jc.Decode(&req); err != nil {
		return
	}
	v2, err := as.manager.ConvertPieceCID(req.PieceCIDV1, req.PayloadSize, req.PaddedSize)
	if err != nil {
		jc.Error(err, http.StatusBadRequest)
		return
	}
	jc.Encode(api.ConvertResponse{PieceCID: v2})
}

func (as *apiServer) handleGETDataSets(jc jape.Context) {
	dataSets, err := as.manager.DataSets(jc.Request.Context())
	if err != nil {
		jc.Error(err, http.StatusInternalServerError)
		return
	}
	jc.Encode(dataSets)
}

func (as *apiServer) handleGETProviders(jc jape.Context) {
	providers, err := as.manager.Providers(jc.Request.Context())
	if err != nil {
		jc.Error(err, http.StatusInternalServerError)
		return
	}
	jc.Encode(providers)
}

func (as *apiServer) handleGETUploads(jc jape.Context) {
	offset, limit := 0, 100
	if err := jc.DecodeForm("offset", &offset); err != nil {
		return
	} else if err := jc.DecodeForm("limit", &limit); err != nil {
		return
	} else if offset < 0 || limit <= 0 || limit > 1000 {
		jc.Error(errors.New("offset must be non-negative and limit between 1 and 1000"), http.StatusBadRequest)
		return
	}

	uploads, err := as.uploads.Uploads(offset, limit)
	if err != nil {
		jc.Error(err, http.StatusInternalServerError)
		return
	}
	if uploads == nil {
		uploads = []storage.Upload{}
	}
	jc.Encode(uploads)
}

// NewAPIHandler returns a new http.Handler that handles requests to the api
func NewAPIHandler(m *storage.Manager, uploads UploadStore, log *zap.Logger) http.Handler {
	s := &apiServer{
		manager: m,
		uploads: uploads,
		log:     log,

		startTime: time.Now(),
	}
	return jape.Mux(map[string]jape.Handler{
		"GET /state": s.handleGETState,

		"POST /upload":         s.handlePOSTUpload,
		"GET /pieces/:cid":     s.handleGETPiece,
		"HEAD /pieces/:cid":    s.handleHEADPiece,
		"POST /pieces/convert": s.handlePOSTConvert,

		"GET /datasets":  s.handleGETDataSets,
		"GET /providers": s.handleGETProviders,
		"GET /uploads":   s.handleGETUploads,
	})
}
