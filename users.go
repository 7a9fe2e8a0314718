package onion

import (
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/btcsuite/btcd/btcec/v2"
)

const (
	Alice   = "ALICE"
	Bob     = "BOB"
	Charlie = "CHARLIE"
	Dave    = "DAVE"

	alicePk   = "ad7e16172a13b571ec8bcd4b8c76d446a8be566d972c44742f08016c066a136b"
	bobPk     = "e3e6fa3499dcbc47880c71650d3617b9d74cff3b85f295a4827a381c724804b8"
	charliePk = "08d277077c093f9ba654ddf8afd2a58a03546ef74eaf54e2434d02e8f3ebaffb"
	davePk    = "456ffe0a616b5f2dc4997ce2615d79b5f9cac126fe971ccd1372527edccf12fe"
)

// Users holds the well known demo identities, keyed by upper case name.
var Users map[string]*User

// User is a named demo identity.
type User struct {
	Name    string
	PrivKey *btcec.PrivateKey
	PubKey  *btcec.PublicKey
}

// GetUser returns the demo identity with the given name.
func GetUser(username string) (*User, error) {
	user, ok := Users[strings.ToUpper(username)]
	if !ok {
		return nil, fmt.Errorf("no user named %s", username)
	}

	return user, nil
}

// UserByPubKey returns the name of the demo identity with the given key, or
// the hex encoded key if it is not a demo identity.
func UserByPubKey(pub *btcec.PublicKey) string {
	for _, user := range Users {
		if user.PubKey.IsEqual(pub) {
			return user.Name
		}
	}

	return hex.EncodeToString(pub.SerializeCompressed())
}

func addUser(name, privHex string) {
	b, _ := hex.DecodeString(privHex)
	priv, pub := btcec.PrivKeyFromBytes(b)

	Users[name] = &User{
		Name:    name,
		PrivKey: priv,
		PubKey:  pub,
	}
}

func init() {
	Users = make(map[string]*User)

	addUser(Alice, alicePk)
	addUser(Bob, bobPk)
	addUser(Charlie, charliePk)
	addUser(Dave, davePk)
}
