package auth

import (
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"strings"
	"testing"

	"golang.org/x/crypto/pbkdf2"
)

// scramServerSim is a minimal in-process stand-in for a PostgreSQL backend's
// SCRAM-SHA-256 verifier, used to exercise ScramClient without a socket.
type scramServerSim struct {
	user, password string
	salt           []byte
	iterations     int
	clientNonce    string
	serverNonce    string
	authMessage    string
	saltedPassword []byte
}

func newScramServerSim(user, password string, salt []byte, iterations int) *scramServerSim {
	return &scramServerSim{user: user, password: password, salt: salt, iterations: iterations}
}

func (s *scramServerSim) serverFirst(clientFirstMessage string) string {
	bare := strings.TrimPrefix(clientFirstMessage, "n,,")
	for _, part := range strings.Split(bare, ",") {
		if strings.HasPrefix(part, "r=") {
			s.clientNonce = part[2:]
		}
	}
	s.serverNonce = s.clientNonce + "server-extra-entropy"
	s.authMessage = bare + "," + fmt.Sprintf("r=%s,s=%s,i=%d", s.serverNonce, base64.StdEncoding.EncodeToString(s.salt), s.iterations)
	return fmt.Sprintf("r=%s,s=%s,i=%d", s.serverNonce, base64.StdEncoding.EncodeToString(s.salt), s.iterations)
}

func (s *scramServerSim) verifyClientFinal(clientFinal string) (string, error) {
	var proofB64, clientFinalWithoutProof string
	parts := strings.Split(clientFinal, ",")
	for i, p := range parts {
		if strings.HasPrefix(p, "p=") {
			proofB64 = p[2:]
			clientFinalWithoutProof = strings.Join(parts[:i], ",")
		}
	}
	s.authMessage += "," + clientFinalWithoutProof

	s.saltedPassword = pbkdf2.Key([]byte(s.password), s.salt, s.iterations, 32, sha256.New)
	clientKey := hmacSHA256(s.saltedPassword, []byte("Client Key"))
	storedKey := sha256Sum(clientKey)
	expectedSig := hmacSHA256(storedKey, []byte(s.authMessage))

	proof, err := base64.StdEncoding.DecodeString(proofB64)
	if err != nil {
		return "", err
	}
	recoveredClientKey := xorBytes(proof, expectedSig)
	if string(sha256Sum(recoveredClientKey)) != string(storedKey) {
		return "", fmt.Errorf("client proof verification failed")
	}

	serverKey := hmacSHA256(s.saltedPassword, []byte("Server Key"))
	sig := hmacSHA256(serverKey, []byte(s.authMessage))
	return "v=" + base64.StdEncoding.EncodeToString(sig), nil
}

func TestScramFullExchange(t *testing.T) {
	client, err := NewScramClient("alice", "s3cret")
	if err != nil {
		t.Fatalf("NewScramClient: %v", err)
	}
	server := newScramServerSim("alice", "s3cret", []byte("0123456789abcdef"), 4096)

	serverFirst := server.serverFirst(client.ClientFirstMessage())

	clientFinal, err := client.HandleServerFirst(serverFirst)
	if err != nil {
		t.Fatalf("HandleServerFirst: %v", err)
	}

	serverFinal, err := server.verifyClientFinal(clientFinal)
	if err != nil {
		t.Fatalf("server rejected client proof: %v", err)
	}

	if err := client.VerifyServerFinal(serverFinal); err != nil {
		t.Fatalf("VerifyServerFinal: %v", err)
	}
}

func TestScramRejectsForgedServerSignature(t *testing.T) {
	client, _ := NewScramClient("alice", "s3cret")
	server := newScramServerSim("alice", "s3cret", []byte("0123456789abcdef"), 4096)

	serverFirst := server.serverFirst(client.ClientFirstMessage())
	if _, err := client.HandleServerFirst(serverFirst); err != nil {
		t.Fatalf("HandleServerFirst: %v", err)
	}

	if err := client.VerifyServerFinal("v=" + base64.StdEncoding.EncodeToString([]byte("not-the-real-signature!"))); err == nil {
		t.Fatal("expected forged server signature to be rejected")
	}
}

func TestScramRejectsMismatchedNonce(t *testing.T) {
	client, _ := NewScramClient("alice", "s3cret")
	forged := "r=totally-different-nonce,s=" + base64.StdEncoding.EncodeToString([]byte("salt1234")) + ",i=4096"
	if _, err := client.HandleServerFirst(forged); err == nil {
		t.Fatal("expected mismatched nonce to be rejected")
	}
}

func TestSupportsMechanism(t *testing.T) {
	if !SupportsMechanism([]string{"SCRAM-SHA-256", "SCRAM-SHA-256-PLUS"}) {
		t.Fatal("expected SCRAM-SHA-256 to be supported")
	}
	if SupportsMechanism([]string{"GSSAPI"}) {
		t.Fatal("expected GSSAPI-only list to be unsupported")
	}
}
