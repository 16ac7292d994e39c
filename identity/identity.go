// package identity maintains details about the identity of this host with
// the management server.
package identity

import (
	"github.com/getlantern/msgpack"
)

// Identity is the credential that authenticates this host's exchanges.
// SecureID and InsecureID are issued by the server at registration time;
// the rest is local configuration used to claim an identity.
type Identity struct {
	// AccountName is the account this host registers under.
	AccountName string `msgpack:"account-name"`

	// ComputerTitle is the human-readable name this host registers as.
	ComputerTitle string `msgpack:"computer-title"`

	// RegistrationKey optionally protects registration on the account.
	RegistrationKey string `msgpack:"registration-key,omitempty"`

	// SecureID is the server-issued credential sent with every exchange.
	// Empty until registration succeeds.
	SecureID string `msgpack:"secure-id,omitempty"`

	// InsecureID is a short server-issued identifier safe to send in the
	// clear, used by the ping endpoint.
	InsecureID string `msgpack:"insecure-id,omitempty"`
}

// Registered reports whether this identity holds a server-issued credential.
func (id *Identity) Registered() bool {
	return id != nil && id.SecureID != ""
}

// HasRegistrationInfo reports whether enough local configuration is present
// to attempt registration.
func (id *Identity) HasRegistrationInfo() bool {
	return id != nil && id.AccountName != "" && id.ComputerTitle != ""
}

// Reset discards the server-issued parts of the identity, keeping the local
// registration configuration. Used when the server reports an unknown id.
func (id *Identity) Reset() {
	id.SecureID = ""
	id.InsecureID = ""
}

// Marshal encodes the identity with MessagePack.
func (id *Identity) Marshal() ([]byte, error) {
	return msgpack.Marshal(id)
}

// Unmarshal decodes a MessagePack-encoded Identity.
func Unmarshal(b []byte) (*Identity, error) {
	id := &Identity{}
	err := msgpack.Unmarshal(b, id)
	if err != nil {
		return nil, err
	}
	return id, nil
}
