// package registration obtains and maintains this host's server-issued
// identity. Registration is lazy: nothing talks to the server until the
// first exchange needs a secure id.
package registration

import (
	"context"
	"os"

	"github.com/getlantern/golog"

	"github.com/outpostd/outpostd/identity"
	"github.com/outpostd/outpostd/model"
	"github.com/outpostd/outpostd/store"
	"github.com/outpostd/outpostd/transport"
)

var (
	log = golog.LoggerFor("registration")
)

// Registrar claims an identity with the server when the host lacks one and
// persists the issued credentials.
type Registrar struct {
	store     *store.MessageStore
	transport transport.Transport
}

func New(st *store.MessageStore, tr transport.Transport) *Registrar {
	return &Registrar{store: st, transport: tr}
}

// EnsureRegistered returns without a network round trip when the host
// already holds a secure id. Otherwise it registers using the configured
// account name and computer title and persists the resulting identity.
// Missing registration info and server rejection both surface as
// authentication errors so the caller backs off rather than retrying hot.
func (r *Registrar) EnsureRegistered(ctx context.Context) error {
	id := r.store.Identity()
	if id.Registered() {
		return nil
	}
	if !id.HasRegistrationInfo() {
		return model.ErrAuthentication.WithDetail("not registered and no account name configured")
	}

	hostname, _ := os.Hostname()
	resp, err := r.transport.Register(ctx, &transport.RegistrationRequest{
		AccountName:     id.AccountName,
		ComputerTitle:   id.ComputerTitle,
		RegistrationKey: id.RegistrationKey,
		Hostname:        hostname,
		ClientAPI:       model.ClientAPI,
	})
	if err != nil {
		return err
	}

	id.SecureID = resp.SecureID
	id.InsecureID = resp.InsecureID
	if err := r.store.SetIdentity(id); err != nil {
		return err
	}
	if resp.ServerUUID != "" {
		if err := r.store.SetServerUUID(resp.ServerUUID); err != nil {
			return err
		}
	}
	log.Debugf("Registered computer '%v' under account '%v'", id.ComputerTitle, id.AccountName)
	return nil
}

// HandleUnknownID discards the rejected secure id so the next exchange
// attempt re-registers from scratch. Called when the server signals that it
// no longer recognizes us.
func (r *Registrar) HandleUnknownID() error {
	id := r.store.Identity()
	if !id.Registered() {
		return nil
	}
	log.Errorf("Server no longer recognizes our identity, discarding credentials for '%v'", id.ComputerTitle)
	id.Reset()
	return r.store.SetIdentity(id)
}

// Identity returns the current identity snapshot.
func (r *Registrar) Identity() *identity.Identity {
	return r.store.Identity()
}
