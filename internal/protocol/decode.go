package protocol

import (
	"encoding/json"
	"time"

	chatErrors "github.com/yourjinKR/myFitSync-sub000/internal/errors"
	"github.com/yourjinKR/myFitSync-sub000/internal/model"
)

// DecodeMessage 解析消息推送帧
func DecodeMessage(body []byte) (model.Message, error) {
	var w WireMessage
	if err := json.Unmarshal(body, &w); err != nil {
		return model.Message{}, chatErrors.ErrMalformedFrame.Wrap(err)
	}
	if w.MessageID <= 0 || w.RoomID <= 0 {
		return model.Message{}, chatErrors.ErrMalformedFrame.Wrapf("message_idx=%d room_idx=%d", w.MessageID, w.RoomID)
	}
	return w.Model(), nil
}

// DecodeMessages 解析消息列表（历史接口）
// 无效条目被跳过，不会导致整页失败
func DecodeMessages(body []byte) ([]model.Message, error) {
	var items []WireMessage
	if err := json.Unmarshal(body, &items); err != nil {
		return nil, chatErrors.ErrMalformedFrame.Wrap(err)
	}

	out := make([]model.Message, 0, len(items))
	for _, w := range items {
		if w.MessageID <= 0 {
			continue
		}
		out = append(out, w.Model())
	}
	return out, nil
}

// DecodeReadReceipt 解析已读回执帧
// 服务端推送不带房间号与时间时，分别取订阅的 roomID 与 now
func DecodeReadReceipt(body []byte, roomID int64, now time.Time) (model.ReadReceipt, error) {
	var w wireReadReceipt
	if err := json.Unmarshal(body, &w); err != nil {
		return model.ReadReceipt{}, chatErrors.ErrMalformedFrame.Wrap(err)
	}
	if w.MessageID <= 0 {
		return model.ReadReceipt{}, chatErrors.ErrMalformedFrame.Wrapf("message_idx=%d", w.MessageID)
	}

	r := model.ReadReceipt{
		MessageID: w.MessageID,
		RoomID:    w.RoomID,
		ReaderID:  w.ReceiverID,
		ReadAt:    w.ReadDate.Time,
	}
	if r.RoomID == 0 {
		r.RoomID = roomID
	}
	if r.ReadAt.IsZero() && w.Timestamp > 0 {
		r.ReadAt = time.UnixMilli(w.Timestamp)
	}
	if r.ReadAt.IsZero() {
		r.ReadAt = now
	}
	return r, nil
}

// DecodeDeletion 解析删除通知帧
func DecodeDeletion(body []byte, roomID int64) (model.Deletion, error) {
	var w DeleteFrame
	if err := json.Unmarshal(body, &w); err != nil {
		return model.Deletion{}, chatErrors.ErrMalformedFrame.Wrap(err)
	}
	if w.MessageID <= 0 {
		return model.Deletion{}, chatErrors.ErrMalformedFrame.Wrapf("message_idx=%d", w.MessageID)
	}
	if w.Type != "" && w.Type != DeleteFrameType {
		return model.Deletion{}, chatErrors.ErrMalformedFrame.Wrapf("type=%q", w.Type)
	}

	d := model.Deletion{
		MessageID: w.MessageID,
		RoomID:    w.RoomID,
		DeletedBy: w.DeletedBy,
	}
	if d.RoomID == 0 {
		d.RoomID = roomID
	}
	return d, nil
}
