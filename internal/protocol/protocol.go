// Package protocol реализует строковый протокол обмена с процессом управления оборудованием.
//
// Каждое событие передаётся одной строкой вида TAG:{json}. Команды передаются
// в обратном направлении как простые токены, завершённые переводом строки.
package protocol

import "errors"

// Теги событий, приходящих от оборудования.
const (
	TagCartUpdate       = "CART_UPDATE_JSON"
	TagProductAdded     = "PRODUCT_ADDED_JSON"
	TagPayment          = "PAYMENT_JSON"
	TagProduceWeight    = "PRODUCE_WEIGHT_JSON"
	TagItemVerification = "ITEM_VERIFICATION_JSON"
	TagMotionActivity   = "IMU_ACTIVITY_JSON"
	TagNotice           = "MISC_JSON"
)

// Command описывает токен команды, понятный процессу управления оборудованием.
type Command string

const (
	CommandStartTracking  Command = "CT_START"
	CommandStopTracking   Command = "CT_STOP"
	CommandClearTracking  Command = "CT_CLEAR"
	CommandStartPayment   Command = "PAY_START"
	CommandCheckActivity  Command = "IMU_CHECK_ACTIVITY"
	CommandMeasureProduce Command = "MEASURE_PROD_WEIGHT"
	CommandTareProduce    Command = "TARE_PRODUCE_WEIGHT"
	CommandTareCart       Command = "TARE_CART_WEIGHT"
	CommandMeasureCart    Command = "M_CART"
)

var (
	// ErrEmptyCommand возвращается при попытке закодировать пустую команду.
	ErrEmptyCommand = errors.New("empty command")
	// ErrInvalidCommand возвращается, если команда содержит перевод строки.
	ErrInvalidCommand = errors.New("command must not contain line breaks")
)
