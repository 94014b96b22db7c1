// Copyright 2026 The Verdant Authors
// SPDX-License-Identifier: Apache-2.0

package update

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/klauspost/compress/zstd"

	"github.com/verdant-foundation/verdant/lib/crypt"
	"github.com/verdant-foundation/verdant/lib/trustroot"
)

// fetchTimeout bounds the whole image download.
const fetchTimeout = 15 * time.Minute

// copyChunkSize is the streaming granularity; each chunk is hashed
// and written before the next is read.
const copyChunkSize = 16 * 1024

// newImageClient builds the HTTPS client for image fetches. When the
// trust root carries CAs the server must present a chain to one of
// them; without a trust root the system pool applies.
func newImageClient(root *trustroot.Blob) *http.Client {
	transport := &http.Transport{}
	if root != nil && len(root.CAs) > 0 {
		pool := x509.NewCertPool()
		for _, der := range root.CAs {
			if ca, err := x509.ParseCertificate(der); err == nil {
				pool.AddCert(ca)
			}
		}
		transport.TLSClientConfig = &tls.Config{RootCAs: pool}
	}
	return &http.Client{Transport: transport, Timeout: fetchTimeout}
}

// fetchImage streams the image at url into writer, returning the
// SHA-256 over exactly the bytes written and their count. A zstd
// payload (by Content-Encoding or URL suffix) is decompressed on the
// fly; the digest covers the decompressed slot contents.
func fetchImage(ctx context.Context, client *http.Client, url string, writer io.Writer) ([crypt.DigestSize]byte, int64, error) {
	var zero [crypt.DigestSize]byte

	request, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return zero, 0, fmt.Errorf("%w: building request: %v", ErrDownloadIncomplete, err)
	}
	response, err := client.Do(request)
	if err != nil {
		return zero, 0, fmt.Errorf("%w: %v", ErrDownloadIncomplete, err)
	}
	defer response.Body.Close()
	if response.StatusCode != http.StatusOK {
		return zero, 0, fmt.Errorf("%w: server returned %s", ErrDownloadIncomplete, response.Status)
	}

	var body io.Reader = response.Body
	if response.Header.Get("Content-Encoding") == "zstd" || strings.HasSuffix(url, ".zst") {
		decoder, err := zstd.NewReader(response.Body)
		if err != nil {
			return zero, 0, fmt.Errorf("%w: zstd: %v", ErrDownloadIncomplete, err)
		}
		defer decoder.Close()
		body = decoder
	}

	hasher := crypt.NewDigest()
	written, err := io.CopyBuffer(io.MultiWriter(writer, hasher), body, make([]byte, copyChunkSize))
	if err != nil {
		return zero, written, fmt.Errorf("%w: %v", ErrDownloadIncomplete, err)
	}
	if written == 0 {
		return zero, 0, fmt.Errorf("%w: empty image", ErrDownloadIncomplete)
	}

	var digest [crypt.DigestSize]byte
	copy(digest[:], hasher.Sum(nil))
	return digest, written, nil
}
