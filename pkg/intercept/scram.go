package intercept

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

// scramClient runs the client side of a SCRAM-SHA-256 exchange against
// the backend, used in trusted mode where the proxy authenticates with
// configured credentials. Per PostgreSQL convention the username is
// omitted from the SCRAM messages (n=,) because it was already supplied
// in the startup packet.
type scramClient struct {
	password string

	clientNonce        string
	clientFirstMsgBare string
	serverFirstMsg     string
	saltedPassword     []byte
	authMessage        string
}

// newScramClient creates a SCRAM-SHA-256 client with a fresh nonce.
func newScramClient(password string) (*scramClient, error) {
	nonce := make([]byte, 18)
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("failed to generate nonce: %w", err)
	}
	return &scramClient{
		password:    password,
		clientNonce: base64.StdEncoding.EncodeToString(nonce),
	}, nil
}

// ClientFirstMessage returns the client-first-message, including the
// gs2 header. Channel binding is not offered: the backend leg is either
// plaintext TCP or TLS the proxy terminates itself.
func (s *scramClient) ClientFirstMessage() string {
	s.clientFirstMsgBare = "n=,r=" + s.clientNonce
	return "n,," + s.clientFirstMsgBare
}

// HandleServerFirstMessage parses the server-first-message and returns
// the client-final-message carrying the proof.
func (s *scramClient) HandleServerFirstMessage(serverFirst string) (string, error) {
	s.serverFirstMsg = serverFirst

	attrs, err := parseScramAttributes(serverFirst)
	if err != nil {
		return "", err
	}

	serverNonce := attrs["r"]
	if !strings.HasPrefix(serverNonce, s.clientNonce) {
		return "", errors.New("server nonce does not extend client nonce")
	}

	salt, err := base64.StdEncoding.DecodeString(attrs["s"])
	if err != nil {
		return "", fmt.Errorf("invalid salt: %w", err)
	}

	iterations, err := strconv.Atoi(attrs["i"])
	if err != nil || iterations < 1 {
		return "", fmt.Errorf("invalid iteration count %q", attrs["i"])
	}

	s.saltedPassword = pbkdf2.Key([]byte(s.password), salt, iterations, sha256.Size, sha256.New)

	channelBinding := base64.StdEncoding.EncodeToString([]byte("n,,"))
	clientFinalWithoutProof := "c=" + channelBinding + ",r=" + serverNonce
	authMessage := s.clientFirstMsgBare + "," + s.serverFirstMsg + "," + clientFinalWithoutProof

	clientKey := hmacSHA256(s.saltedPassword, "Client Key")
	storedKey := sha256.Sum256(clientKey)
	clientSignature := hmacSHA256(storedKey[:], authMessage)

	proof := make([]byte, len(clientKey))
	for i := range clientKey {
		proof[i] = clientKey[i] ^ clientSignature[i]
	}

	s.authMessage = authMessage
	return clientFinalWithoutProof + ",p=" + base64.StdEncoding.EncodeToString(proof), nil
}

// VerifyServerFinalMessage checks the server signature, proving the
// backend also knows the password.
func (s *scramClient) VerifyServerFinalMessage(serverFinal string) error {
	attrs, err := parseScramAttributes(serverFinal)
	if err != nil {
		return err
	}
	if e := attrs["e"]; e != "" {
		return fmt.Errorf("backend rejected SCRAM authentication: %s", e)
	}

	expected, err := base64.StdEncoding.DecodeString(attrs["v"])
	if err != nil {
		return fmt.Errorf("invalid server signature encoding: %w", err)
	}

	serverKey := hmacSHA256(s.saltedPassword, "Server Key")
	serverSignature := hmacSHA256(serverKey, s.authMessage)

	if !hmac.Equal(expected, serverSignature) {
		return errors.New("server signature mismatch")
	}
	return nil
}

// parseScramAttributes splits "k1=v1,k2=v2" into a map. Values may
// contain '=' (base64), so only the first '=' per attribute splits.
func parseScramAttributes(msg string) (map[string]string, error) {
	attrs := make(map[string]string)
	for _, part := range strings.Split(msg, ",") {
		if part == "" {
			continue
		}
		key, value, found := strings.Cut(part, "=")
		if !found || len(key) != 1 {
			return nil, fmt.Errorf("malformed SCRAM attribute %q", part)
		}
		attrs[key] = value
	}
	return attrs, nil
}

func hmacSHA256(key []byte, message string) []byte {
	mac := hmac.New(sha256.New, key)
	mac.Write([]byte(message))
	return mac.Sum(nil)
}
