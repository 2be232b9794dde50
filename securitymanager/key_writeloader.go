package securitymanager

import (
	"os"
	"strings"

	"github.com/juju/errors"
)

// Z85 encoded CURVE keys are 40 characters long.
const keyLength = 40

// Embedded in both security managers; reads and writes their key pair.
type keyWriteLoader struct {
	public, private string
}

// LoadKeys reads the key pair of a node from two files. A file name of
// DONOTREAD leaves that key as it is, e.g. to load only a peer's public key.
func (mgr *keyWriteLoader) LoadKeys(publicFile, privateFile string) error {
	for _, k := range []struct {
		file string
		dst  *string
	}{{publicFile, &mgr.public}, {privateFile, &mgr.private}} {
		if k.file == DONOTREAD {
			continue
		}
		key, err := readKey(k.file)
		if err != nil {
			return errors.Trace(err)
		}
		*k.dst = key
	}
	return nil
}

// WriteKeys stores the key pair, mode 0600. A file name of DONOTWRITE skips
// that key.
func (mgr *keyWriteLoader) WriteKeys(publicFile, privateFile string) error {
	if publicFile != DONOTWRITE {
		if err := writeKey(publicFile, mgr.public); err != nil {
			return errors.Trace(err)
		}
	}
	if privateFile != DONOTWRITE {
		return errors.Trace(writeKey(privateFile, mgr.private))
	}
	return nil
}

func readKey(filename string) (string, error) {
	content, err := os.ReadFile(filename)
	if err != nil {
		return "", errors.Annotatef(err, "reading key")
	}

	key := strings.TrimSpace(string(content))
	if len(key) != keyLength {
		return "", errors.NotValidf("key in %s", filename)
	}
	return key, nil
}

func writeKey(filename, key string) error {
	if len(key) != keyLength {
		return errors.NotValidf("key of length %d", len(key))
	}
	return errors.Annotatef(os.WriteFile(filename, []byte(key+"\n"), 0600), "writing %s", filename)
}
