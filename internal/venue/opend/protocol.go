package opend

import (
	"encoding/json"

	"catalyst/internal/domain"
)

// Wire protocol names for the OpenD gateway. Every request carries a
// Protocol name, a Version, a SerialNo for response correlation, and a
// ReqParam.c2s payload; responses echo the SerialNo with ErrCode/ErrMsg and
// an S2C payload. Pushes (quotes, order updates) carry SerialNo 0.
const (
	protoInitConnect     = "InitConnect"
	protoKeepAlive       = "KeepAlive"
	protoUnlockTrade     = "Trd_UnlockTrade"
	protoPlaceOrder      = "Trd_PlaceOrder"
	protoModifyOrder     = "Trd_ModifyOrder"
	protoGetOrderList    = "Trd_GetOrderList"
	protoGetPositionList = "Trd_GetPositionList"
	protoGetFunds        = "Trd_GetFunds"
	protoQotSub          = "Qot_Sub"
	protoQotPush         = "Qot_Update"
	protoOrderPush       = "Trd_UpdateOrder"
)

// Gateway error codes.
const (
	errCodeOK            = 0
	errCodeAuthFailed    = 1001
	errCodeNotUnlocked   = 1002
	errCodeOrderFinished = 40310 // modify/cancel raced a terminal order
)

// Trade sides and order types on the wire.
const (
	wireSideBuy  = 1
	wireSideSell = 2

	wireOrderNormal = 1 // limit
	wireOrderMarket = 2

	wireEnvSimulate = 0
	wireEnvReal     = 1

	wireModifyCancel = 2
)

type request struct {
	Protocol string   `json:"Protocol"`
	Version  int      `json:"Version"`
	SerialNo uint64   `json:"SerialNo"`
	ReqParam reqParam `json:"ReqParam"`
}

type reqParam struct {
	C2S any `json:"c2s"`
}

type envelope struct {
	Protocol string          `json:"Protocol"`
	SerialNo uint64          `json:"SerialNo"`
	ErrCode  int             `json:"ErrCode"`
	ErrMsg   string          `json:"ErrMsg"`
	S2C      json.RawMessage `json:"S2C"`
}

type initConnectC2S struct {
	AuthKey string `json:"authKey"` // md5 hex of the configured key
}

type unlockTradeC2S struct {
	PwdMD5 string `json:"pwdMD5"`
	Unlock bool   `json:"unlock"`
}

type placeOrderC2S struct {
	TrdEnv    int     `json:"trdEnv"`
	Code      string  `json:"code"`
	TrdSide   int     `json:"trdSide"`
	OrderType int     `json:"orderType"`
	Qty       int64   `json:"qty"`
	Price     float64 `json:"price"`
	ClientID  string  `json:"clientID"`
	Remark    string  `json:"remark"`
}

type placeOrderS2C struct {
	OrderID string `json:"orderID"`
}

type modifyOrderC2S struct {
	TrdEnv   int    `json:"trdEnv"`
	OrderID  string `json:"orderID"`
	ModifyOp int    `json:"modifyOrderOp"`
}

type getOrderListC2S struct {
	TrdEnv     int  `json:"trdEnv"`
	ActiveOnly bool `json:"activeOnly"`
}

type wireOrder struct {
	OrderID      string  `json:"orderID"`
	ClientID     string  `json:"clientID"`
	Code         string  `json:"code"`
	TrdSide      int     `json:"trdSide"`
	Qty          int64   `json:"qty"`
	DealtQty     int64   `json:"dealtQty"`
	DealtAvgPx   float64 `json:"dealtAvgPrice"`
	Price        float64 `json:"price"`
	OrderStatus  string  `json:"orderStatus"`
	CreateTime   string  `json:"createTime"`
	UpdateTimeMS int64   `json:"updateTimestamp"`
}

type orderListS2C struct {
	OrderList []wireOrder `json:"orderList"`
}

type positionListC2S struct {
	TrdEnv int `json:"trdEnv"`
}

type wirePosition struct {
	Code      string  `json:"code"`
	Qty       int64   `json:"qty"`
	CostPrice float64 `json:"costPrice"`
}

type positionListS2C struct {
	PositionList []wirePosition `json:"positionList"`
}

type fundsC2S struct {
	TrdEnv int `json:"trdEnv"`
}

type fundsS2C struct {
	TotalAssets float64 `json:"totalAssets"`
	Cash        float64 `json:"cash"`
	Power       float64 `json:"power"`
	DailyPnL    float64 `json:"dailyPnl"`
}

type qotSubC2S struct {
	CodeList     []string `json:"codeList"`
	SubTypeList  []int    `json:"subTypeList"`
	IsSub        bool     `json:"isSubOrUnSub"`
	RegisterPush bool     `json:"isRegOrUnRegPush"`
}

type qotPushS2C struct {
	Code        string  `json:"code"`
	LastPrice   float64 `json:"lastPrice"`
	TimestampMS int64   `json:"timestamp"`
}

// Gateway order status strings.
const (
	statusSubmitted     = "SUBMITTED"
	statusFilledPart    = "FILLED_PART"
	statusFilledAll     = "FILLED_ALL"
	statusCancelledAll  = "CANCELLED_ALL"
	statusCancelledPart = "CANCELLED_PART"
	statusFailed        = "FAILED"
	statusTimeout       = "TIMEOUT"
	statusDisabled      = "DISABLED"
)

// mapOrderStatus converts a gateway status string to the domain lifecycle.
func mapOrderStatus(s string) domain.OrderStatus {
	switch s {
	case statusSubmitted:
		return domain.OrderStatusAcknowledged
	case statusFilledPart:
		return domain.OrderStatusPartiallyFilled
	case statusFilledAll:
		return domain.OrderStatusFilled
	case statusCancelledAll, statusCancelledPart:
		return domain.OrderStatusCancelled
	case statusFailed, statusDisabled:
		return domain.OrderStatusRejected
	case statusTimeout:
		return domain.OrderStatusExpired
	default:
		return domain.OrderStatusAcknowledged
	}
}

func mapSide(wire int) domain.Side {
	if wire == wireSideSell {
		return domain.SideSell
	}
	return domain.SideBuy
}
