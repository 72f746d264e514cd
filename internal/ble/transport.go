package ble

import (
	"context"

	goble "github.com/go-ble/ble"

	"codeberg.org/mutker/flippermon/internal/errors"
)

type deviceTransport struct{}

// NewTransport opens the platform BLE central and registers it as the
// default device.
func NewTransport() (Transport, error) {
	device, err := newDevice()
	if err != nil {
		return nil, errors.New().Wrap(errors.ErrInitFailed, err)
	}
	goble.SetDefaultDevice(device)

	return &deviceTransport{}, nil
}

func (t *deviceTransport) Scan(ctx context.Context, found func(Advertisement)) error {
	return goble.Scan(ctx, true, func(adv goble.Advertisement) {
		found(Advertisement{
			Name:        adv.LocalName(),
			Addr:        adv.Addr().String(),
			RSSI:        adv.RSSI(),
			Connectable: adv.Connectable(),
		})
	}, nil)
}

func (t *deviceTransport) Dial(ctx context.Context, addr string) (Link, error) {
	client, err := goble.Dial(ctx, goble.NewAddr(addr))
	if err != nil {
		return nil, err
	}

	return &clientLink{client: client}, nil
}

type clientLink struct {
	client goble.Client
}

func (l *clientLink) Characteristics(_ context.Context, service string, wanted []string) (map[string]Characteristic, error) {
	profile, err := l.client.DiscoverProfile(true)
	if err != nil {
		return nil, err
	}

	serviceUUID, err := goble.Parse(service)
	if err != nil {
		return nil, errors.New().Wrap(errors.ErrInvalidArgument, err)
	}

	resolved := make(map[string]Characteristic, len(wanted))
	for _, svc := range profile.Services {
		if !svc.UUID.Equal(serviceUUID) {
			continue
		}
		for _, want := range wanted {
			wantUUID, err := goble.Parse(want)
			if err != nil {
				return nil, errors.New().Wrap(errors.ErrInvalidArgument, err)
			}
			for _, char := range svc.Characteristics {
				if char.UUID.Equal(wantUUID) {
					resolved[want] = &characteristic{uuid: want, char: char}
				}
			}
		}
	}

	return resolved, nil
}

func (l *clientLink) Write(c Characteristic, data []byte) error {
	char, ok := c.(*characteristic)
	if !ok {
		return errors.New().WithMessage(errors.ErrInvalidArgument, "characteristic from a different transport")
	}

	return l.client.WriteCharacteristic(char.char, data, true)
}

func (l *clientLink) Subscribe(c Characteristic, handler func([]byte)) error {
	char, ok := c.(*characteristic)
	if !ok {
		return errors.New().WithMessage(errors.ErrInvalidArgument, "characteristic from a different transport")
	}

	return l.client.Subscribe(char.char, false, func(data []byte) {
		handler(data)
	})
}

func (l *clientLink) Disconnected() <-chan struct{} {
	return l.client.Disconnected()
}

func (l *clientLink) Close() error {
	return l.client.CancelConnection()
}

type characteristic struct {
	uuid string
	char *goble.Characteristic
}

func (c *characteristic) UUID() string {
	return c.uuid
}
