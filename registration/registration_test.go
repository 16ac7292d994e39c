package registration

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/outpostd/outpostd/identity"
	"github.com/outpostd/outpostd/model"
	"github.com/outpostd/outpostd/store"
	"github.com/outpostd/outpostd/testsupport"
	"github.com/outpostd/outpostd/transport"
)

func openStore(t *testing.T) *store.MessageStore {
	t.Helper()
	st, err := store.Open(&store.Opts{InMemory: true})
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	return st
}

func TestRegistersOnce(t *testing.T) {
	st := openStore(t)
	require.NoError(t, st.SetIdentity(&identity.Identity{
		AccountName:   "onboarding",
		ComputerTitle: "Truck 7",
	}))

	ft := testsupport.NewFakeTransport()
	ft.SetRegisterResult(&transport.RegistrationResponse{
		SecureID:   "secure-xyz",
		InsecureID: "42",
		ServerUUID: "server-a",
	}, nil)

	r := New(st, ft)
	require.NoError(t, r.EnsureRegistered(context.Background()))
	require.NoError(t, r.EnsureRegistered(context.Background()))

	assert.Len(t, ft.Registrations(), 1, "second call should be a no-op")
	id := st.Identity()
	assert.True(t, id.Registered())
	assert.Equal(t, "secure-xyz", id.SecureID)
	assert.Equal(t, "42", id.InsecureID)
	assert.Equal(t, "server-a", st.ServerUUID())
}

func TestRequiresRegistrationInfo(t *testing.T) {
	st := openStore(t)
	ft := testsupport.NewFakeTransport()

	r := New(st, ft)
	err := r.EnsureRegistered(context.Background())
	assert.True(t, errors.Is(err, model.ErrAuthentication))
	assert.Empty(t, ft.Registrations(), "no account name configured, so no network call")
}

func TestServerRejection(t *testing.T) {
	st := openStore(t)
	require.NoError(t, st.SetIdentity(&identity.Identity{
		AccountName:   "onboarding",
		ComputerTitle: "Truck 7",
	}))

	ft := testsupport.NewFakeTransport()
	ft.SetRegisterResult(nil, model.ErrAuthentication.WithDetail("unknown account"))

	r := New(st, ft)
	err := r.EnsureRegistered(context.Background())
	assert.True(t, errors.Is(err, model.ErrAuthentication))
	assert.False(t, st.Identity().Registered())
}

func TestHandleUnknownID(t *testing.T) {
	st := openStore(t)
	require.NoError(t, st.SetIdentity(&identity.Identity{
		AccountName:   "onboarding",
		ComputerTitle: "Truck 7",
		SecureID:      "stale",
		InsecureID:    "17",
	}))

	ft := testsupport.NewFakeTransport()
	ft.SetRegisterResult(&transport.RegistrationResponse{SecureID: "fresh", InsecureID: "18"}, nil)

	r := New(st, ft)
	require.NoError(t, r.HandleUnknownID())

	id := st.Identity()
	assert.False(t, id.Registered())
	assert.Equal(t, "onboarding", id.AccountName, "registration info survives a credential reset")

	require.NoError(t, r.EnsureRegistered(context.Background()))
	assert.Equal(t, "fresh", st.Identity().SecureID)
}
