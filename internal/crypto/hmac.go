package crypto

import (
	"crypto/hmac"
	"crypto/md5"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"math/big"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/alanyoungcy/signaltrader/internal/domain"
)

const (
	// DefaultSignatureMethod is the only method the contract API accepts.
	DefaultSignatureMethod = "HmacSHA256"
	// EchostrLen is the fixed nonce length required by the exchange.
	EchostrLen = 35

	echostrAlphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789"
)

// Auth parameter and header names.
const (
	ParamAPIKey          = "api_key"
	ParamSignatureMethod = "signature_method"
	ParamTimestamp       = "timestamp"
	ParamEchostr         = "echostr"
	ParamSign            = "sign"
)

// LBankSigner holds the credentials required for signed requests against
// the LBank contract API.
type LBankSigner struct {
	APIKey          string
	SecretKey       string
	SignatureMethod string
}

// NewLBankSigner returns a signer. An empty method selects HmacSHA256.
func NewLBankSigner(apiKey, secretKey, method string) *LBankSigner {
	if method == "" {
		method = DefaultSignatureMethod
	}
	return &LBankSigner{APIKey: apiKey, SecretKey: secretKey, SignatureMethod: method}
}

// Sign computes the request signature over params:
//
//	hex(HMAC-SHA256(secret, UPPER(hex(MD5(k1=v1&k2=v2...)))))
//
// with keys sorted lexicographically. Sign does not modify params.
func (s *LBankSigner) Sign(params map[string]string) string {
	digest := md5.Sum([]byte(canonicalQuery(params)))
	upper := strings.ToUpper(hex.EncodeToString(digest[:]))

	mac := hmac.New(sha256.New, []byte(s.SecretKey))
	mac.Write([]byte(upper))
	return hex.EncodeToString(mac.Sum(nil))
}

// SignRequest adds the auth parameters and the signature to params and
// returns the headers a private request must carry.
func (s *LBankSigner) SignRequest(params map[string]string) (map[string]string, error) {
	echostr, err := Echostr(EchostrLen)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrSigningFailed, err)
	}
	return s.SignRequestAt(params, time.Now().UnixMilli(), echostr), nil
}

// SignRequestAt is like SignRequest but lets the caller supply the
// millisecond timestamp and nonce.
func (s *LBankSigner) SignRequestAt(params map[string]string, tsMillis int64, echostr string) map[string]string {
	ts := strconv.FormatInt(tsMillis, 10)

	params[ParamAPIKey] = s.APIKey
	params[ParamSignatureMethod] = s.SignatureMethod
	params[ParamTimestamp] = ts
	params[ParamEchostr] = echostr
	delete(params, ParamSign)

	params[ParamSign] = s.Sign(params)

	return map[string]string{
		"Content-Type":       "application/json",
		ParamTimestamp:       ts,
		ParamSignatureMethod: s.SignatureMethod,
		ParamEchostr:         echostr,
	}
}

// String returns a redacted representation suitable for logging.
func (s *LBankSigner) String() string {
	redact := func(v string) string {
		if len(v) <= 4 {
			return "****"
		}
		return v[:4] + "****"
	}
	return fmt.Sprintf("LBankSigner{key=%s, secret=%s, method=%s}", redact(s.APIKey), redact(s.SecretKey), s.SignatureMethod)
}

// Echostr returns n random characters from [A-Za-z0-9].
func Echostr(n int) (string, error) {
	limit := big.NewInt(int64(len(echostrAlphabet)))
	b := make([]byte, n)
	for i := range b {
		idx, err := rand.Int(rand.Reader, limit)
		if err != nil {
			return "", err
		}
		b[i] = echostrAlphabet[idx.Int64()]
	}
	return string(b), nil
}

func canonicalQuery(params map[string]string) string {
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var sb strings.Builder
	for i, k := range keys {
		if i > 0 {
			sb.WriteByte('&')
		}
		sb.WriteString(k)
		sb.WriteByte('=')
		sb.WriteString(params[k])
	}
	return sb.String()
}
