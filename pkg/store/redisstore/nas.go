package redisstore

import (
	"context"
	"fmt"

	"github.com/codelaboratoryltd/acctd/pkg/radius"
)

// LookupNAS implements radius.NASRegistry from acctd:nas:<ip> hashes with
// secret, name and identifier fields.
func (s *Store) LookupNAS(ctx context.Context, ip string) (*radius.NAS, error) {
	m, err := s.client.HGetAll(ctx, s.keys.nas(ip)).Result()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	secret := m["secret"]
	if secret == "" {
		return nil, radius.ErrUnknownNAS
	}

	n := &radius.NAS{
		Identifier: m["identifier"],
		Name:       m["name"],
		IP:         ip,
		Secret:     secret,
	}
	if n.Name == "" {
		n.Name = n.Identifier
	}
	return n, nil
}

// PutNAS registers a NAS.
func (s *Store) PutNAS(ctx context.Context, n radius.NAS) error {
	if n.IP == "" || n.Secret == "" {
		return fmt.Errorf("NAS requires an IP and a secret")
	}
	err := s.client.HSet(ctx, s.keys.nas(n.IP),
		"secret", n.Secret,
		"name", n.Name,
		"identifier", n.Identifier,
	).Err()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return nil
}
