package execsim

import "errors"

var (
	errBalance             = errors.New("accountBalance must be > 0")
	errPositionSizePercent = errors.New("positionSizePercent must be in (0,100]")
	errLeverage            = errors.New("leverage must be in [1,100]")
	errSide                = errors.New("side must be Long or Short")
	errMidPrice            = errors.New("midPrice must be > 0")
)
