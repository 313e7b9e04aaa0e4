package identity

import (
	"fmt"
	"os/user"
	"strconv"
)

// Account returns the numeric uid and gid of username.
func Account(username string) (uid, gid int, err error) {
	u, err := user.Lookup(username)
	if err != nil {
		return -1, -1, err
	}
	if uid, err = strconv.Atoi(u.Uid); err != nil {
		return -1, -1, fmt.Errorf("uid %q for %s: %w", u.Uid, username, err)
	}
	if gid, err = strconv.Atoi(u.Gid); err != nil {
		return -1, -1, fmt.Errorf("gid %q for %s: %w", u.Gid, username, err)
	}
	return uid, gid, nil
}
