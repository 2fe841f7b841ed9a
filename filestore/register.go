package filestore

import (
	"github.com/infodancer/pgpgate"
	"github.com/infodancer/pgpgate/errors"
)

func init() {
	pgpgate.RegisterStore("file", func(config pgpgate.StoreConfig) (pgpgate.KeyStore, error) {
		if config.Path == "" {
			return nil, errors.ErrStoreConfigInvalid
		}
		// master_passphrase enables secret-at-rest encryption
		master := config.Options["master_passphrase"]
		return New(config.Path, master)
	})
}
