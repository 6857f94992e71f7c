package auth

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"golang.org/x/crypto/pbkdf2"
)

// SCRAMMechanism is the only SASL mechanism this core supports (spec.md
// §4.2: "pick SCRAM-SHA-256 if offered, otherwise UnsupportedAuthMechanism").
const SCRAMMechanism = "SCRAM-SHA-256"

// SupportsMechanism reports whether the server-offered mechanism list
// contains SCRAM-SHA-256.
func SupportsMechanism(offered []string) bool {
	for _, m := range offered {
		if m == SCRAMMechanism {
			return true
		}
	}
	return false
}

// ScramClient drives one SCRAM-SHA-256 exchange (RFC 5802). It holds no
// connection or I/O state; internal/proto calls its methods in response to
// Authentication{SASL,SASLContinue,SASLFinal} backend messages and sends
// whatever bytes the methods return.
type ScramClient struct {
	user            string
	password        string
	clientNonce     string
	clientFirstBare string
	authMessage     string
	saltedPassword  []byte
}

// NewScramClient generates a fresh client nonce and prepares the
// client-first-message. gs2Header is always "n,,": no channel binding, no
// authorization identity.
func NewScramClient(user, password string) (*ScramClient, error) {
	nonceBytes := make([]byte, 18)
	if _, err := rand.Read(nonceBytes); err != nil {
		return nil, fmt.Errorf("scram: generating client nonce: %w", err)
	}
	clientNonce := base64.StdEncoding.EncodeToString(nonceBytes)
	return &ScramClient{
		user:            user,
		password:        password,
		clientNonce:     clientNonce,
		clientFirstBare: fmt.Sprintf("n=%s,r=%s", escapeUsername(user), clientNonce),
	}, nil
}

// ClientFirstMessage returns the full client-first-message (gs2-header +
// client-first-message-bare) to send as the SASLInitialResponse body.
func (c *ScramClient) ClientFirstMessage() string {
	return "n,," + c.clientFirstBare
}

// HandleServerFirst consumes the server-first-message
// ("r=<nonce>,s=<salt>,i=<iterations>") and returns the client-final-message
// to send as the SASLResponse body.
func (c *ScramClient) HandleServerFirst(serverFirst string) (string, error) {
	nonce, salt, iterations, err := parseServerFirst(serverFirst)
	if err != nil {
		return "", err
	}
	if !strings.HasPrefix(nonce, c.clientNonce) {
		return "", errors.New("scram: server nonce does not start with client nonce")
	}

	c.saltedPassword = pbkdf2.Key([]byte(c.password), salt, iterations, 32, sha256.New)

	clientKey := hmacSHA256(c.saltedPassword, []byte("Client Key"))
	storedKey := sha256Sum(clientKey)

	channelBinding := "c=" + base64.StdEncoding.EncodeToString([]byte("n,,"))
	clientFinalWithoutProof := fmt.Sprintf("%s,r=%s", channelBinding, nonce)

	c.authMessage = c.clientFirstBare + "," + serverFirst + "," + clientFinalWithoutProof

	clientSignature := hmacSHA256(storedKey, []byte(c.authMessage))
	clientProof := xorBytes(clientKey, clientSignature)

	return clientFinalWithoutProof + ",p=" + base64.StdEncoding.EncodeToString(clientProof), nil
}

// VerifyServerFinal checks the server-final-message's signature
// ("v=<base64 signature>") against the expected value derived from the
// salted password computed in HandleServerFirst.
func (c *ScramClient) VerifyServerFinal(serverFinal string) error {
	if c.saltedPassword == nil {
		return errors.New("scram: VerifyServerFinal called before HandleServerFirst")
	}
	serverKey := hmacSHA256(c.saltedPassword, []byte("Server Key"))
	expectedSig := hmacSHA256(serverKey, []byte(c.authMessage))
	expected := "v=" + base64.StdEncoding.EncodeToString(expectedSig)
	if serverFinal != expected {
		return errors.New("scram: server signature mismatch")
	}
	return nil
}

func parseServerFirst(msg string) (nonce string, salt []byte, iterations int, err error) {
	for _, part := range strings.Split(msg, ",") {
		switch {
		case strings.HasPrefix(part, "r="):
			nonce = part[2:]
		case strings.HasPrefix(part, "s="):
			salt, err = base64.StdEncoding.DecodeString(part[2:])
			if err != nil {
				return "", nil, 0, fmt.Errorf("scram: decoding salt: %w", err)
			}
		case strings.HasPrefix(part, "i="):
			iterations, err = strconv.Atoi(part[2:])
			if err != nil {
				return "", nil, 0, fmt.Errorf("scram: parsing iteration count: %w", err)
			}
		}
	}
	if nonce == "" || salt == nil || iterations == 0 {
		return "", nil, 0, fmt.Errorf("scram: incomplete server-first-message: %q", msg)
	}
	return nonce, salt, iterations, nil
}

// escapeUsername replaces "=" with "=3D" and "," with "=2C" per RFC 5802.
func escapeUsername(user string) string {
	user = strings.ReplaceAll(user, "=", "=3D")
	user = strings.ReplaceAll(user, ",", "=2C")
	return user
}

func hmacSHA256(key, data []byte) []byte {
	h := hmac.New(sha256.New, key)
	h.Write(data)
	return h.Sum(nil)
}

func sha256Sum(data []byte) []byte {
	h := sha256.Sum256(data)
	return h[:]
}

func xorBytes(a, b []byte) []byte {
	out := make([]byte, len(a))
	for i := range a {
		out[i] = a[i] ^ b[i]
	}
	return out
}
