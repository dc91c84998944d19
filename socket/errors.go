package socket

import (
	"fmt"

	"github.com/earendil-go/earendil/crypt"
	"github.com/earendil-go/earendil/errs"
)

func errDockInUse(ep crypt.Endpoint) error {
	return errs.Wrap(errs.CodeDockInUse, fmt.Sprintf("dock %s already bound", ep), errs.ErrDockInUse)
}
