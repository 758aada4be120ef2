package chronicle

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/dmitrijs2005/harmony/internal/common"
	"github.com/dmitrijs2005/harmony/internal/models"
	chronrepo "github.com/dmitrijs2005/harmony/internal/repositories/chronicle"
)

const tokenPrefix = "hc1-"

// Token is an opaque sync token naming a position in a collection's log.
// The empty token means "from the beginning".
type Token string

func newToken(p chronrepo.Position) Token {
	if p == (chronrepo.Position{}) {
		return ""
	}
	return Token(tokenPrefix + strconv.FormatInt(p.Stamp, 36) + "." + strconv.FormatInt(p.ID, 36))
}

func (t Token) position() (chronrepo.Position, error) {
	if t == "" {
		return chronrepo.Position{}, nil
	}
	rest, ok := strings.CutPrefix(string(t), tokenPrefix)
	if !ok {
		return chronrepo.Position{}, fmt.Errorf("%w: malformed sync token", common.ErrInvalidArgument)
	}
	stampPart, idPart, ok := strings.Cut(rest, ".")
	if !ok {
		return chronrepo.Position{}, fmt.Errorf("%w: malformed sync token", common.ErrInvalidArgument)
	}
	stamp, err := strconv.ParseInt(stampPart, 36, 64)
	if err != nil || stamp < 0 {
		return chronrepo.Position{}, fmt.Errorf("%w: malformed sync token", common.ErrInvalidArgument)
	}
	id, err := strconv.ParseInt(idPart, 36, 64)
	if err != nil || id < 0 {
		return chronrepo.Position{}, fmt.Errorf("%w: malformed sync token", common.ErrInvalidArgument)
	}
	return chronrepo.Position{Stamp: stamp, ID: id}, nil
}

// before reports whether p sorts strictly before q.
func before(p, q chronrepo.Position) bool {
	return p.Stamp < q.Stamp || (p.Stamp == q.Stamp && p.ID < q.ID)
}

func positionOf(r *models.ChronicleRecord) chronrepo.Position {
	return chronrepo.Position{Stamp: r.Stamp, ID: r.ID}
}
