package whatsapp

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"go.mau.fi/whatsmeow"
	"go.mau.fi/whatsmeow/store"
	"go.mau.fi/whatsmeow/store/sqlstore"
	"go.mau.fi/whatsmeow/types"
	waLog "go.mau.fi/whatsmeow/util/log"
	"google.golang.org/protobuf/proto"

	"github.com/psicoagenda/wa-gateway/internal/model"
	"github.com/psicoagenda/wa-gateway/internal/session"
)

// Dialer opens whatsmeow connections for the session manager. Device keys
// live in the whatsmeow sqlstore; the manager's credential store keeps the
// identity needed to find them again.
type Dialer struct {
	container *sqlstore.Container
	pairPhone string
	logger    zerolog.Logger
}

// NewDialer builds a dialer. When pairPhone is set, unpaired devices link
// with a phone-number pairing code instead of a QR code.
func NewDialer(container *sqlstore.Container, deviceName, pairPhone string, logger zerolog.Logger) *Dialer {
	store.DeviceProps.Os = proto.String(deviceName)
	return &Dialer{
		container: container,
		pairPhone: pairPhone,
		logger:    logger,
	}
}

func (d *Dialer) Dial(ctx context.Context, creds *model.DeviceCredentials, emit func(session.Event)) (session.Conn, error) {
	device, err := d.device(ctx, creds)
	if err != nil {
		return nil, err
	}

	client := whatsmeow.NewClient(device, waLog.Zerolog(d.logger.With().Str("module", "whatsmeow").Logger()))
	// Reconnects are owned by the session manager.
	client.EnableAutoReconnect = false

	c := &conn{client: client, emit: emit}
	if creds != nil {
		c.pairedAt = creds.PairedAt
	}
	client.AddEventHandler(c.handleEvent)

	if client.Store.ID == nil {
		qr, err := client.GetQRChannel(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to open pairing channel: %w", err)
		}
		go c.watchPairing(ctx, qr, d.pairPhone)
	}

	if err := client.Connect(); err != nil {
		client.RemoveEventHandlers()
		return nil, fmt.Errorf("failed to connect: %w", err)
	}
	return c, nil
}

// Forget deletes the device keys whatsmeow keeps for creds.
func (d *Dialer) Forget(ctx context.Context, creds *model.DeviceCredentials) error {
	jid, err := types.ParseJID(creds.JID)
	if err != nil {
		return fmt.Errorf("invalid stored jid %q: %w", creds.JID, err)
	}
	device, err := d.container.GetDevice(ctx, jid)
	if err != nil {
		return fmt.Errorf("failed to load device: %w", err)
	}
	if device == nil {
		return nil
	}
	return device.Delete(ctx)
}

func (d *Dialer) device(ctx context.Context, creds *model.DeviceCredentials) (*store.Device, error) {
	if creds == nil {
		return d.container.NewDevice(), nil
	}

	jid, err := types.ParseJID(creds.JID)
	if err != nil {
		log.Warn().Err(err).Str("jid", creds.JID).Msg("stored jid is invalid, pairing a new device")
		return d.container.NewDevice(), nil
	}
	device, err := d.container.GetDevice(ctx, jid)
	if err != nil {
		return nil, fmt.Errorf("failed to load device: %w", err)
	}
	if device == nil {
		log.Warn().Str("jid", creds.JID).Msg("no device keys for stored credentials, pairing a new device")
		return d.container.NewDevice(), nil
	}
	return device, nil
}
