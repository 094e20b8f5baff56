package stream

import (
	"encoding/json"

	"github.com/hitoshi/tweetdesk/internal/model"
)

// Event はストリームから受信したイベント。PostEvent か OtherEvent のいずれか。
type Event interface {
	isEvent()
}

// PostEvent は投稿として解釈できたイベント。
type PostEvent struct {
	Tweet model.Tweet
}

// OtherEvent は投稿以外のイベント（削除通知、制限通知など）。
// Raw は受信した本文そのもの。
type OtherEvent struct {
	Raw []byte
}

func (PostEvent) isEvent()  {}
func (OtherEvent) isEvent() {}

// postShape は投稿かどうかの判定に使う最小限の形。
type postShape struct {
	IDStr any `json:"id_str"`
	Text  any `json:"text"`
}

// DecodeEvent は受信した本文を一度だけデコードしてイベントに分類する。
// id_str と text がともに空でない文字列の場合のみ投稿とみなす。
func DecodeEvent(raw []byte) Event {
	var shape postShape
	if err := json.Unmarshal(raw, &shape); err != nil {
		return OtherEvent{Raw: raw}
	}
	id, idOK := shape.IDStr.(string)
	text, textOK := shape.Text.(string)
	if !idOK || !textOK || id == "" || text == "" {
		return OtherEvent{Raw: raw}
	}

	var tweet model.Tweet
	if err := json.Unmarshal(raw, &tweet); err != nil {
		return OtherEvent{Raw: raw}
	}
	return PostEvent{Tweet: tweet}
}

// RawPayload はrawイベントとして配信する値を返す。
// 有効なJSONはそのまま、それ以外は文字列として配信する。
func (e OtherEvent) RawPayload() any {
	if json.Valid(e.Raw) {
		return json.RawMessage(e.Raw)
	}
	return string(e.Raw)
}
