package transfer

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/sirupsen/logrus"
	"gitlab.com/gitlab-org/geo/internal/safe"
)

// DownloaderKind selects the endpoint a blob is retrieved from.
type DownloaderKind string

const (
	// FileDownloader serves uploads and other legacy file types by type and id.
	FileDownloader DownloaderKind = "file"
	// JobArtifactDownloader serves CI job artifacts.
	JobArtifactDownloader DownloaderKind = "job_artifact"
	// BlobDownloader serves every replicable of the self-service framework.
	BlobDownloader DownloaderKind = "ssf_blob"
)

// fileNotFoundCode is reported by the primary when it has the record but not the file.
const fileNotFoundCode = "FILE_NOT_FOUND"

// Result is the outcome of one blob download.
type Result struct {
	Success            bool
	BytesDownloaded    int64
	PrimaryMissingFile bool
	Reason             string
	ExtraDetails       map[string]interface{}
}

// HTTPDownloader downloads blobs from the primary's Geo API.
type HTTPDownloader struct {
	client  *http.Client
	baseURL string
	signer  *Signer
	logger  logrus.FieldLogger
}

// NewHTTPDownloader returns a downloader for the primary at baseURL.
func NewHTTPDownloader(client *http.Client, baseURL string, signer *Signer, logger logrus.FieldLogger) *HTTPDownloader {
	if client == nil {
		client = NewHTTPClient()
	}
	return &HTTPDownloader{
		client:  client,
		baseURL: strings.TrimRight(baseURL, "/"),
		signer:  signer,
		logger:  logger.WithField("component", "http_downloader"),
	}
}

// URL returns the endpoint serving the blob.
func (d *HTTPDownloader) URL(kind DownloaderKind, replicableName string, id int64) string {
	switch kind {
	case FileDownloader:
		return fmt.Sprintf("%s/api/v4/geo/transfers/%s/%d", d.baseURL, url.PathEscape(replicableName), id)
	case JobArtifactDownloader:
		return fmt.Sprintf("%s/api/v4/geo/transfers/job_artifact/%d", d.baseURL, id)
	default:
		return fmt.Sprintf("%s/api/v4/geo/retrieve/%s/%d", d.baseURL, url.PathEscape(replicableName), id)
	}
}

// Download fetches the blob and atomically writes it to destPath. Failures
// that happen before a response arrives are returned as errors, everything
// the primary answered is described by the Result.
func (d *HTTPDownloader) Download(ctx context.Context, kind DownloaderKind, replicableName string, id int64, destPath string) (Result, error) {
	auth, err := d.signer.Header(map[string]interface{}{
		"replicable_name": replicableName,
		"replicable_id":   id,
	})
	if err != nil {
		return Result{}, newError(Unknown, "sign request", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, d.URL(kind, replicableName, id), nil)
	if err != nil {
		return Result{}, newError(Unknown, "create request", err)
	}
	req.Header.Set("Authorization", auth)

	rsp, err := d.client.Do(req)
	if err != nil {
		return Result{}, newError(Transient, "download", err)
	}
	defer rsp.Body.Close()

	if rsp.StatusCode != http.StatusOK {
		return d.failedResult(rsp), nil
	}

	writer, err := safe.NewFileWriter(destPath, 0o644)
	if err != nil {
		return Result{}, newError(Unknown, "create file", err)
	}
	defer writer.Close()

	written, err := io.Copy(writer, rsp.Body)
	if err != nil {
		return Result{Reason: "Error writing file", BytesDownloaded: written,
			ExtraDetails: map[string]interface{}{"error": err.Error()}}, nil
	}

	if rsp.ContentLength >= 0 && written != rsp.ContentLength {
		return Result{
			Reason:          "Downloaded file size does not match",
			BytesDownloaded: written,
			ExtraDetails: map[string]interface{}{
				"expected_bytes": rsp.ContentLength,
				"actual_bytes":   written,
			},
		}, nil
	}

	if err := writer.Commit(); err != nil {
		return Result{}, newError(Unknown, "commit file", err)
	}

	d.logger.WithFields(logrus.Fields{
		"replicable_name":  replicableName,
		"model_record_id":  id,
		"bytes_downloaded": written,
	}).Debug("downloaded blob")

	return Result{Success: true, BytesDownloaded: written}, nil
}

func (d *HTTPDownloader) failedResult(rsp *http.Response) Result {
	var body struct {
		Message string `json:"message"`
		GeoCode string `json:"geo_code"`
	}
	// the body is only used for diagnostics
	data, _ := io.ReadAll(io.LimitReader(rsp.Body, 64*1024))
	_ = json.Unmarshal(data, &body)

	result := Result{
		Reason: "Non-success HTTP response status code " + strconv.Itoa(rsp.StatusCode),
		ExtraDetails: map[string]interface{}{
			"status_code": rsp.StatusCode,
			"reason":      rsp.Status,
		},
	}

	if body.Message != "" {
		result.ExtraDetails["message"] = body.Message
	}

	if rsp.StatusCode == http.StatusNotFound && body.GeoCode == fileNotFoundCode {
		result.PrimaryMissingFile = true
		result.Reason = "The file is missing on the Geo primary site"
	}

	return result
}
