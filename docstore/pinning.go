package docstore

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"time"

	"github.com/samplesafe/clearance/types"
)

var _ ObjectStore = (*PinningClient)(nil)

// PinningClient stores documents on an IPFS pinning service. Uploads go to
// the pinning API with a bearer token; reads resolve through the public
// gateway.
type PinningClient struct {
	apiURL     string
	gatewayURL string
	token      string
	httpClient *http.Client
}

// NewPinningClient builds a client for the given pinning API and gateway.
func NewPinningClient(apiURL, gatewayURL, token string, timeout time.Duration) *PinningClient {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &PinningClient{
		apiURL:     apiURL,
		gatewayURL: gatewayURL,
		token:      token,
		httpClient: &http.Client{Timeout: timeout},
	}
}

type pinResponse struct {
	Data struct {
		CID string `json:"cid"`
	} `json:"data"`
	// Older API versions return the identifier at the top level.
	IpfsHash string `json:"IpfsHash"`
}

func (c *PinningClient) Put(ctx context.Context, name string, payload []byte, metadata map[string]string) (*Document, error) {
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)

	part, err := mw.CreateFormFile("file", name)
	if err != nil {
		return nil, types.NewError(types.ErrDocumentStorage, fmt.Sprintf("build upload: %v", err))
	}
	if _, err := part.Write(payload); err != nil {
		return nil, types.NewError(types.ErrDocumentStorage, fmt.Sprintf("build upload: %v", err))
	}
	if len(metadata) > 0 {
		kv, err := json.Marshal(metadata)
		if err != nil {
			return nil, types.NewError(types.ErrDocumentStorage, fmt.Sprintf("encode metadata: %v", err))
		}
		if err := mw.WriteField("keyvalues", string(kv)); err != nil {
			return nil, types.NewError(types.ErrDocumentStorage, fmt.Sprintf("build upload: %v", err))
		}
	}
	if err := mw.Close(); err != nil {
		return nil, types.NewError(types.ErrDocumentStorage, fmt.Sprintf("build upload: %v", err))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.apiURL+"/pinning/pinFileToIPFS", &body)
	if err != nil {
		return nil, types.NewError(types.ErrDocumentStorage, fmt.Sprintf("build request: %v", err))
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())
	req.Header.Set("Authorization", "Bearer "+c.token)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, types.NewError(types.ErrDocumentStorage, fmt.Sprintf("upload failed: %v", err))
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, types.NewError(types.ErrDocumentStorage,
			fmt.Sprintf("pinning service returned %d: %s", resp.StatusCode, string(snippet)))
	}

	var pr pinResponse
	if err := json.NewDecoder(resp.Body).Decode(&pr); err != nil {
		return nil, types.NewError(types.ErrDocumentStorage, fmt.Sprintf("decode response: %v", err))
	}
	cid := pr.Data.CID
	if cid == "" {
		cid = pr.IpfsHash
	}
	if cid == "" {
		return nil, types.NewError(types.ErrDocumentStorage, "pinning service returned no content id")
	}

	return &Document{
		ContentID: cid,
		URL:       fmt.Sprintf("%s/ipfs/%s", c.gatewayURL, cid),
	}, nil
}

func (c *PinningClient) Get(ctx context.Context, contentID string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, fmt.Sprintf("%s/ipfs/%s", c.gatewayURL, contentID), nil)
	if err != nil {
		return nil, types.NewError(types.ErrDocumentStorage, fmt.Sprintf("build request: %v", err))
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, types.NewError(types.ErrDocumentStorage, fmt.Sprintf("fetch failed: %v", err))
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return nil, types.NewError(types.ErrNotFound, fmt.Sprintf("document %s not found", contentID))
	}
	if resp.StatusCode != http.StatusOK {
		return nil, types.NewError(types.ErrDocumentStorage,
			fmt.Sprintf("gateway returned %d for %s", resp.StatusCode, contentID))
	}
	return io.ReadAll(resp.Body)
}
