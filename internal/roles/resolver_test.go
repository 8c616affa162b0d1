package roles

import (
	"context"
	"errors"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/medrex/emr-ledger/internal/ledger"
	"github.com/medrex/emr-ledger/internal/ledger/ledgertest"
	"github.com/medrex/emr-ledger/pkg/logger"
	"github.com/medrex/emr-ledger/pkg/monitoring"
	"github.com/medrex/emr-ledger/pkg/types"
)

type mockLedger struct {
	mock.Mock
}

func (m *mockLedger) Admin(ctx context.Context) (types.Identity, error) {
	args := m.Called(ctx)
	return args.Get(0).(types.Identity), args.Error(1)
}

func (m *mockLedger) IsAuthorizedWriter(ctx context.Context, id types.Identity) (bool, error) {
	args := m.Called(ctx, id)
	return args.Bool(0), args.Error(1)
}

var (
	adminAddr  = common.HexToAddress("0x00000000000000000000000000000000000000ad")
	writerAddr = common.HexToAddress("0x00000000000000000000000000000000000000d1")
	readerAddr = common.HexToAddress("0x00000000000000000000000000000000000000a1")
)

func TestResolver_Resolve(t *testing.T) {
	tests := []struct {
		name         string
		id           types.Identity
		writer       bool
		expectedRole types.Role
		expectedCaps types.Capabilities
	}{
		{
			name:         "administrator",
			id:           adminAddr,
			expectedRole: types.RoleAdministrator,
			expectedCaps: types.Capabilities{CanRegisterWriters: true},
		},
		{
			name:         "registered writer",
			id:           writerAddr,
			writer:       true,
			expectedRole: types.RoleAuthorizedWriter,
			expectedCaps: types.Capabilities{CanPublish: true, CanQuery: true},
		},
		{
			name:         "anyone else",
			id:           readerAddr,
			expectedRole: types.RoleDefaultReader,
			expectedCaps: types.Capabilities{CanManageOwnAccess: true, CanQuery: true},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			l := new(mockLedger)
			l.On("Admin", mock.Anything).Return(adminAddr, nil)
			l.On("IsAuthorizedWriter", mock.Anything, tt.id).Return(tt.writer, nil).Maybe()

			res, err := NewResolver(l, logger.Discard()).Resolve(context.Background(), tt.id)
			require.NoError(t, err)
			assert.Equal(t, tt.id, res.Identity)
			assert.Equal(t, tt.expectedRole, res.Role)
			assert.Equal(t, tt.expectedCaps, res.Capabilities)
		})
	}
}

func TestResolver_AdminCheckedFirst(t *testing.T) {
	// an administrator that is also in the writer registry resolves as administrator
	l := new(mockLedger)
	l.On("Admin", mock.Anything).Return(adminAddr, nil)

	res, err := NewResolver(l, logger.Discard()).Resolve(context.Background(), adminAddr)
	require.NoError(t, err)
	assert.Equal(t, types.RoleAdministrator, res.Role)
	l.AssertNotCalled(t, "IsAuthorizedWriter", mock.Anything, mock.Anything)
}

func TestResolver_LedgerFailure(t *testing.T) {
	outage := types.NewLedgerUnreachableError("dial tcp: connection refused", nil)

	l := new(mockLedger)
	l.On("Admin", mock.Anything).Return(common.Address{}, outage)
	_, err := NewResolver(l, logger.Discard()).Resolve(context.Background(), readerAddr)
	assert.True(t, errors.Is(err, outage))

	l = new(mockLedger)
	l.On("Admin", mock.Anything).Return(adminAddr, nil)
	l.On("IsAuthorizedWriter", mock.Anything, readerAddr).Return(false, outage)
	_, err = NewResolver(l, logger.Discard()).Resolve(context.Background(), readerAddr)
	assert.True(t, errors.Is(err, outage))
}

func TestResolution_Can(t *testing.T) {
	res := &Resolution{Role: types.RoleAuthorizedWriter, Capabilities: CapabilitiesFor(types.RoleAuthorizedWriter)}

	assert.True(t, res.Can(CapabilityPublish))
	assert.True(t, res.Can(CapabilityQuery))
	assert.False(t, res.Can(CapabilityRegisterWriters))
	assert.False(t, res.Can(CapabilityManageOwnAccess))
	assert.False(t, res.Can("delete_everything"))
}

func TestResolver_AgainstLedger(t *testing.T) {
	ctx := context.Background()
	net := ledgertest.NewNetwork(t)
	doctor := ledgertest.NewWallet(t)
	patient := ledgertest.NewWallet(t)
	net.RegisterDoctor(doctor.Address())

	client, err := ledger.NewClient(net.Address(), net.Backend, nil, logger.Discard(), monitoring.NewMetricsCollector("roles-test"), ledger.Options{})
	require.NoError(t, err)
	r := NewResolver(client, logger.Discard())

	res, err := r.Resolve(ctx, net.Admin.Address())
	require.NoError(t, err)
	assert.Equal(t, types.RoleAdministrator, res.Role)

	res, err = r.Resolve(ctx, doctor.Address())
	require.NoError(t, err)
	assert.Equal(t, types.RoleAuthorizedWriter, res.Role)

	res, err = r.Resolve(ctx, patient.Address())
	require.NoError(t, err)
	assert.Equal(t, types.RoleDefaultReader, res.Role)
}
