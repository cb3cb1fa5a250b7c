package mpctls

import (
	"context"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"go.mozilla.org/pkcs7"
	"go.uber.org/zap"

	"tlsnotary/shared"
)

// CertificateFetcher downloads certificates referenced by AIA extensions.
type CertificateFetcher interface {
	FetchCertificate(url string) ([]byte, error)
}

// StandardHTTPFetcher fetches certificates over plain HTTP.
type StandardHTTPFetcher struct {
	client *http.Client
}

// NewStandardHTTPFetcher creates an HTTP certificate fetcher with redirect
// and size limits.
func NewStandardHTTPFetcher() CertificateFetcher {
	return &StandardHTTPFetcher{
		client: &http.Client{
			Timeout: 10 * time.Second,
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				if len(via) >= 3 {
					return fmt.Errorf("too many redirects (max 3)")
				}
				return nil
			},
		},
	}
}

// FetchCertificate downloads a certificate from the given URL.
func (f *StandardHTTPFetcher) FetchCertificate(urlStr string) ([]byte, error) {
	resp, err := f.client.Get(urlStr)
	if err != nil {
		return nil, fmt.Errorf("HTTP GET failed: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("HTTP status %d", resp.StatusCode)
	}

	// AIA responses are small; a cap keeps a malicious leaf from pointing
	// us at something huge.
	const maxCertSize = 10 * 1024
	limitedReader := io.LimitReader(resp.Body, maxCertSize)
	data, err := io.ReadAll(limitedReader)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %v", err)
	}
	if len(data) == maxCertSize {
		extraByte := make([]byte, 1)
		if n, _ := resp.Body.Read(extraByte); n > 0 {
			return nil, fmt.Errorf("certificate data exceeds %d byte limit", maxCertSize)
		}
	}

	return data, nil
}

// CachedCertificateFetcher wraps a fetcher with a week-long memory cache so
// repeated sessions against the same CA do not refetch intermediates.
type CachedCertificateFetcher struct {
	cache  *shared.MemoryCache
	logger *shared.Logger
}

type certCacheLoader struct {
	fetcher CertificateFetcher
	logger  *shared.Logger
}

func (cl *certCacheLoader) Load(ctx context.Context, key string) (interface{}, error) {
	if cl.logger != nil {
		cl.logger.Info("fetching certificate from network", zap.String("url", key))
	}
	certData, err := cl.fetcher.FetchCertificate(key)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch certificate: %v", err)
	}
	return certData, nil
}

// NewCachedCertificateFetcher creates a caching wrapper around fetcher.
func NewCachedCertificateFetcher(fetcher CertificateFetcher, logger *shared.Logger) (*CachedCertificateFetcher, error) {
	if fetcher == nil {
		return nil, fmt.Errorf("fetcher cannot be nil")
	}

	cache := shared.NewMemoryCache(&shared.MemoryCacheConfig{
		TTL:             7 * 24 * time.Hour,
		CleanupInterval: 24 * time.Hour,
		MaxSize:         1000,
		Loader:          &certCacheLoader{fetcher: fetcher, logger: logger},
		Logger:          logger,
	})
	if err := cache.Start(context.Background()); err != nil {
		return nil, fmt.Errorf("failed to start certificate cache: %v", err)
	}

	return &CachedCertificateFetcher{cache: cache, logger: logger}, nil
}

// FetchCertificate implements CertificateFetcher with caching.
func (ccf *CachedCertificateFetcher) FetchCertificate(url string) ([]byte, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	data, err := ccf.cache.Get(ctx, url)
	if err != nil {
		return nil, err
	}
	certData, ok := data.([]byte)
	if !ok {
		return nil, fmt.Errorf("cached data is not []byte for url: %s", url)
	}
	return certData, nil
}

// Shutdown stops the cache routines.
func (ccf *CachedCertificateFetcher) Shutdown(ctx context.Context) error {
	return ccf.cache.Shutdown(ctx)
}

// CertVerifier validates server certificate chains against the system trust
// store, completing incomplete chains via AIA when a fetcher is configured.
type CertVerifier struct {
	logger  *shared.Logger
	fetcher CertificateFetcher
	roots   *x509.CertPool
}

// NewCertVerifier creates a verifier. fetcher may be nil to disable AIA
// chasing; roots may be nil to use the system pool.
func NewCertVerifier(logger *shared.Logger, fetcher CertificateFetcher, roots *x509.CertPool) *CertVerifier {
	return &CertVerifier{logger: logger, fetcher: fetcher, roots: roots}
}

// ParseCertificateEntries parses the raw DER entries of a TLS Certificate
// message into x509 certificates.
func ParseCertificateEntries(entries [][]byte) ([]*x509.Certificate, error) {
	if len(entries) == 0 {
		return nil, &CertificateError{
			Type:    CertErrorInvalidChain,
			Message: "no certificates provided",
		}
	}
	certs := make([]*x509.Certificate, 0, len(entries))
	for i, der := range entries {
		cert, err := x509.ParseCertificate(der)
		if err != nil {
			return nil, &CertificateError{
				Type:    CertErrorParsing,
				Message: fmt.Sprintf("failed to parse certificate %d", i),
				Err:     err,
			}
		}
		certs = append(certs, cert)
	}
	return certs, nil
}

// VerifyChain validates the chain, checking signatures, expiry, key usage
// and the RFC 6125 hostname match against serverName.
func (v *CertVerifier) VerifyChain(certs []*x509.Certificate, serverName string) error {
	return v.verifyChainWithDepth(certs, serverName, 0)
}

func (v *CertVerifier) verifyChainWithDepth(certs []*x509.Certificate, serverName string, aiaDepth int) error {
	// One level of AIA chasing only, so a hostile chain cannot recurse.
	const maxAIADepth = 1

	if len(certs) == 0 {
		return &CertificateError{
			Type:    CertErrorInvalidChain,
			Message: "no certificates provided",
		}
	}

	leafCert := certs[0]

	if len(leafCert.ExtKeyUsage) > 0 {
		validUsage := false
		for _, usage := range leafCert.ExtKeyUsage {
			if usage == x509.ExtKeyUsageServerAuth || usage == x509.ExtKeyUsageAny {
				validUsage = true
				break
			}
		}
		if !validUsage {
			return &CertificateError{
				Type:    CertErrorVerification,
				Message: "server certificate not valid for server authentication",
			}
		}
	}

	intermediates := x509.NewCertPool()
	for i := 1; i < len(certs); i++ {
		intermediates.AddCert(certs[i])
	}

	roots := v.roots
	if roots == nil {
		systemRoots, err := x509.SystemCertPool()
		if err != nil {
			return &CertificateError{
				Type:    CertErrorSystemRoots,
				Message: fmt.Sprintf("failed to load system cert pool: %v", err),
				Err:     err,
			}
		}
		roots = systemRoots
	}

	opts := x509.VerifyOptions{
		Roots:         roots,
		Intermediates: intermediates,
		DNSName:       serverName,
	}

	chains, err := leafCert.Verify(opts)
	if err != nil {
		if v.fetcher == nil {
			return &CertificateError{
				Type:    CertErrorVerification,
				Message: fmt.Sprintf("certificate verification failed for %s", serverName),
				Err:     err,
			}
		}

		if aiaDepth < maxAIADepth && len(leafCert.IssuingCertificateURL) > 0 {
			var unknownAuthorityErr x509.UnknownAuthorityError
			if errors.As(err, &unknownAuthorityErr) {
				if v.logger != nil {
					v.logger.Info("certificate chain incomplete, fetching missing intermediates",
						zap.String("cert", leafCert.Subject.String()),
						zap.Int("aia_depth", aiaDepth))
				}
				completedChain, fetchErr := v.fetchMissingIntermediates(certs)
				if fetchErr == nil && len(completedChain) > len(certs) {
					return v.verifyChainWithDepth(completedChain, serverName, aiaDepth+1)
				}
				if v.logger != nil {
					v.logger.Warn("failed to complete certificate chain via AIA", zap.Error(fetchErr))
				}
			}
		}

		return &CertificateError{
			Type:    CertErrorVerification,
			Message: fmt.Sprintf("certificate verification failed for %s", serverName),
			Err:     err,
		}
	}

	if len(chains) == 0 {
		return &CertificateError{
			Type:    CertErrorInvalidChain,
			Message: "no valid certificate chains found",
		}
	}

	return nil
}

// fetchMissingIntermediates completes an incomplete chain via the leaf's
// AIA URLs. Called at most once per verification.
func (v *CertVerifier) fetchMissingIntermediates(certs []*x509.Certificate) ([]*x509.Certificate, error) {
	if len(certs) == 0 {
		return certs, fmt.Errorf("no certificates provided")
	}

	const maxChainLength = 10
	if len(certs) >= maxChainLength {
		return certs, fmt.Errorf("certificate chain too long (max %d)", maxChainLength)
	}

	result := make([]*x509.Certificate, len(certs))
	copy(result, certs)

	leafCert := certs[0]

	// Serial fingerprints guard against circular AIA references.
	existingFingerprints := make(map[string]bool)
	for _, cert := range certs {
		existingFingerprints[fmt.Sprintf("%x", cert.SerialNumber)] = true
	}

	for _, aiaURL := range leafCert.IssuingCertificateURL {
		if !isValidAIAURL(aiaURL) {
			if v.logger != nil {
				v.logger.Warn("invalid AIA URL scheme", zap.String("url", aiaURL))
			}
			continue
		}

		certData, err := v.fetcher.FetchCertificate(aiaURL)
		if err != nil {
			if v.logger != nil {
				v.logger.Warn("failed to fetch intermediate cert", zap.String("url", aiaURL), zap.Error(err))
			}
			continue
		}

		intermediates, err := parseCertificateData(certData)
		if err != nil {
			if v.logger != nil {
				v.logger.Warn("failed to parse intermediate cert", zap.String("url", aiaURL), zap.Error(err))
			}
			continue
		}

		validIntermediates := make([]*x509.Certificate, 0, len(intermediates))
		for _, intermediate := range intermediates {
			if !intermediate.IsCA {
				continue
			}
			fingerprint := fmt.Sprintf("%x", intermediate.SerialNumber)
			if existingFingerprints[fingerprint] {
				continue
			}
			validIntermediates = append(validIntermediates, intermediate)
		}

		if len(validIntermediates) == 0 {
			continue
		}

		result = append(result, validIntermediates...)
		if v.logger != nil {
			v.logger.Info("fetched intermediate certs",
				zap.String("url", aiaURL),
				zap.Int("count", len(validIntermediates)))
		}
		return result, nil
	}

	return result, fmt.Errorf("failed to fetch intermediate certificate from any AIA URL")
}

// parseCertificateData parses DER, PEM, or PKCS7 certificate data. PKCS7
// bundles return their non-self-signed members.
func parseCertificateData(data []byte) ([]*x509.Certificate, error) {
	cert, err := x509.ParseCertificate(data)
	if err == nil {
		return []*x509.Certificate{cert}, nil
	}

	block, _ := pem.Decode(data)
	if block != nil && block.Type == "CERTIFICATE" {
		cert, err = x509.ParseCertificate(block.Bytes)
		if err == nil {
			return []*x509.Certificate{cert}, nil
		}
	}

	p7, err := pkcs7.Parse(data)
	if err == nil && len(p7.Certificates) > 0 {
		var intermediates []*x509.Certificate
		for _, cert := range p7.Certificates {
			if cert.Subject.String() != cert.Issuer.String() {
				intermediates = append(intermediates, cert)
			}
		}
		if len(intermediates) == 0 {
			return nil, fmt.Errorf("PKCS7 bundle contains only self-signed certificates, expected intermediates")
		}
		return intermediates, nil
	}

	return nil, fmt.Errorf("unable to parse certificate (tried DER, PEM, and PKCS7 formats)")
}

// isValidAIAURL restricts AIA fetches to http and https.
func isValidAIAURL(urlStr string) bool {
	if len(urlStr) > 2048 {
		return false
	}
	u, err := url.Parse(urlStr)
	if err != nil {
		return false
	}
	return u.Scheme == "http" || u.Scheme == "https"
}
