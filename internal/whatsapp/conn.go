package whatsapp

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"go.mau.fi/whatsmeow"
	"go.mau.fi/whatsmeow/proto/waE2E"
	"go.mau.fi/whatsmeow/store"
	"go.mau.fi/whatsmeow/types"
	"go.mau.fi/whatsmeow/types/events"
	"google.golang.org/protobuf/proto"

	"github.com/psicoagenda/wa-gateway/internal/model"
	"github.com/psicoagenda/wa-gateway/internal/session"
)

type conn struct {
	client   *whatsmeow.Client
	emit     func(session.Event)
	pairedAt time.Time
}

func (c *conn) Send(ctx context.Context, address, body string) (session.Receipt, error) {
	jid, err := types.ParseJID(address)
	if err != nil {
		return session.Receipt{}, fmt.Errorf("invalid address %q: %w", address, err)
	}
	resp, err := c.client.SendMessage(ctx, jid, &waE2E.Message{
		Conversation: proto.String(body),
	})
	if err != nil {
		return session.Receipt{}, err
	}
	return session.Receipt{ID: resp.ID, Timestamp: resp.Timestamp}, nil
}

func (c *conn) CheckNumbers(ctx context.Context, phones []string) ([]session.NumberStatus, error) {
	resp, err := c.client.IsOnWhatsApp(ctx, phones)
	if err != nil {
		return nil, err
	}
	out := make([]session.NumberStatus, 0, len(resp))
	for _, r := range resp {
		st := session.NumberStatus{Query: r.Query, Exists: r.IsIn}
		if r.IsIn {
			st.Address = r.JID.ToNonAD().String()
		}
		out = append(out, st)
	}
	return out, nil
}

func (c *conn) Logout(ctx context.Context) error {
	if c.client.Store.ID == nil {
		return nil
	}
	return c.client.Logout(ctx)
}

func (c *conn) Close() {
	c.client.RemoveEventHandlers()
	c.client.Disconnect()
}

func (c *conn) handleEvent(evt any) {
	if _, ok := evt.(*events.PairSuccess); ok {
		c.pairedAt = time.Now().UTC()
	}
	for _, ev := range translate(evt, c.client.Store, c.pairedAt) {
		c.emit(ev)
	}
}

// watchPairing relays pairing codes until the channel closes. With a pair
// phone, the first QR code only signals readiness for a phone pairing code.
func (c *conn) watchPairing(ctx context.Context, qr <-chan whatsmeow.QRChannelItem, pairPhone string) {
	phoneCodeIssued := false
	for item := range qr {
		switch item.Event {
		case whatsmeow.QRChannelEventCode:
			if pairPhone == "" {
				c.emit(session.PairingCodeIssued{Code: item.Code})
				continue
			}
			if phoneCodeIssued {
				continue
			}
			code, err := c.client.PairPhone(ctx, pairPhone, true, whatsmeow.PairClientChrome, "Chrome (Linux)")
			if err != nil {
				log.Error().Err(err).Msg("failed to request phone pairing code")
				c.emit(session.ConnectionClosed{Kind: session.CloseRecoverable, Reason: "pairing code request failed: " + err.Error()})
				return
			}
			phoneCodeIssued = true
			c.emit(session.PairingCodeIssued{Code: code})
		case "success":
			log.Info().Msg("device paired")
		case "timeout":
			c.emit(session.ConnectionClosed{Kind: session.CloseRecoverable, Reason: "pairing timed out"})
		case whatsmeow.QRChannelEventError:
			c.emit(session.ConnectionClosed{Kind: session.CloseRecoverable, Reason: fmt.Sprintf("pairing failed: %v", item.Error)})
		default:
			c.emit(session.ConnectionClosed{Kind: session.CloseHalted, Reason: "pairing failed: " + item.Event})
		}
	}
}

// translate maps a whatsmeow event to session events. Events that do not
// affect the session map to nothing.
func translate(evt any, device *store.Device, pairedAt time.Time) []session.Event {
	switch e := evt.(type) {
	case *events.Connected:
		if device == nil || device.ID == nil {
			return nil
		}
		return []session.Event{
			session.CredentialsRotated{Creds: credentialsOf(device, pairedAt)},
			session.HandshakeCompleted{Identity: device.ID.User},
		}
	case *events.PairSuccess, *events.PushNameSetting:
		if device == nil || device.ID == nil {
			return nil
		}
		return []session.Event{session.CredentialsRotated{Creds: credentialsOf(device, pairedAt)}}
	case *events.LoggedOut:
		return []session.Event{session.ConnectionClosed{
			Kind:   session.CloseTerminal,
			Reason: fmt.Sprintf("logged out (%v)", e.Reason),
		}}
	case *events.ConnectFailure:
		kind := session.CloseRecoverable
		if e.Reason.IsLoggedOut() {
			kind = session.CloseTerminal
		}
		return []session.Event{session.ConnectionClosed{
			Kind:   kind,
			Reason: fmt.Sprintf("connect failure %d: %s", int(e.Reason), e.Message),
		}}
	case *events.Disconnected:
		return []session.Event{session.ConnectionClosed{Kind: session.CloseRecoverable, Reason: "connection lost"}}
	case *events.StreamReplaced:
		return []session.Event{session.ConnectionClosed{Kind: session.CloseHalted, Reason: "stream replaced by another client"}}
	case *events.TemporaryBan:
		return []session.Event{session.ConnectionClosed{Kind: session.CloseHalted, Reason: fmt.Sprintf("temporary ban: %v", e)}}
	case *events.ClientOutdated:
		return []session.Event{session.ConnectionClosed{Kind: session.CloseHalted, Reason: "client outdated"}}
	}
	return nil
}

func credentialsOf(device *store.Device, pairedAt time.Time) model.DeviceCredentials {
	creds := model.DeviceCredentials{
		RegistrationID: device.RegistrationID,
		Platform:       device.Platform,
		PushName:       device.PushName,
		BusinessName:   device.BusinessName,
		PairedAt:       pairedAt,
	}
	if device.ID != nil {
		creds.JID = device.ID.String()
	}
	if !device.LID.IsEmpty() {
		creds.LID = device.LID.String()
	}
	if device.IdentityKey != nil && device.IdentityKey.Pub != nil {
		creds.IdentityKey = append([]byte(nil), device.IdentityKey.Pub[:]...)
	}
	if device.SignedPreKey != nil {
		creds.SignedPreKeyID = device.SignedPreKey.KeyID
	}
	return creds
}
