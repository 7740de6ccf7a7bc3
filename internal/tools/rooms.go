package tools

import (
	"context"
	"encoding/json"

	"github.com/corvid-labs/corvid/internal/integrations"
	"github.com/corvid-labs/corvid/pkg/models"
)

func roomManager(actx *ActionContext) (integrations.RoomManager, *Result) {
	integ, fail := actx.integration(models.PlatformMatrix)
	if fail != nil {
		return nil, fail
	}
	rm, ok := integ.(integrations.RoomManager)
	if !ok {
		return nil, Failf("platform %s does not support room management", models.PlatformMatrix)
	}
	return rm, nil
}

type joinRoomParams struct {
	ChannelID string `json:"channel_id" jsonschema:"required,description=Matrix room ID or alias to join"`
}

// JoinRoomTool joins a Matrix room.
type JoinRoomTool struct{}

func (t *JoinRoomTool) Name() string { return "join_room" }

func (t *JoinRoomTool) Description() string {
	return "Join a Matrix room by ID or alias."
}

func (t *JoinRoomTool) Group() Group { return GroupRooms }

func (t *JoinRoomTool) Schema() json.RawMessage {
	return reflectSchema(&joinRoomParams{})
}

func (t *JoinRoomTool) Execute(ctx context.Context, raw json.RawMessage, actx *ActionContext) (*Result, error) {
	var p joinRoomParams
	if err := json.Unmarshal(raw, &p); err != nil {
		return Failf("invalid parameters: %v", err), nil
	}

	rm, fail := roomManager(actx)
	if fail != nil {
		return fail, nil
	}
	if err := rm.JoinRoom(ctx, p.ChannelID); err != nil {
		return Failf("join failed: %v", err), nil
	}

	if actx.World != nil {
		actx.World.UpdateChannelStatus(p.ChannelID, models.PlatformMatrix, models.ChannelJoined)
	}
	return OK(map[string]any{"channel_id": p.ChannelID, "status": string(models.ChannelJoined)}), nil
}

type leaveRoomParams struct {
	ChannelID string `json:"channel_id" jsonschema:"required,description=Matrix room ID to leave"`
	Reason    string `json:"reason,omitempty" jsonschema:"description=Optional reason shown to the room"`
}

// LeaveRoomTool leaves a Matrix room.
type LeaveRoomTool struct{}

func (t *LeaveRoomTool) Name() string { return "leave_room" }

func (t *LeaveRoomTool) Description() string {
	return "Leave a Matrix room. The room stops contributing to the world until rejoined."
}

func (t *LeaveRoomTool) Group() Group { return GroupRooms }

func (t *LeaveRoomTool) Schema() json.RawMessage {
	return reflectSchema(&leaveRoomParams{})
}

func (t *LeaveRoomTool) Execute(ctx context.Context, raw json.RawMessage, actx *ActionContext) (*Result, error) {
	var p leaveRoomParams
	if err := json.Unmarshal(raw, &p); err != nil {
		return Failf("invalid parameters: %v", err), nil
	}

	rm, fail := roomManager(actx)
	if fail != nil {
		return fail, nil
	}
	if err := rm.LeaveRoom(ctx, p.ChannelID); err != nil {
		return Failf("leave failed: %v", err), nil
	}

	if actx.World != nil {
		actx.World.UpdateChannelStatus(p.ChannelID, models.PlatformMatrix, models.ChannelLeft)
	}
	return OK(map[string]any{"channel_id": p.ChannelID, "status": string(models.ChannelLeft)}), nil
}

type acceptInviteParams struct {
	ChannelID string `json:"channel_id" jsonschema:"required,description=Room ID of the pending invite to accept"`
}

// AcceptInviteTool accepts a pending room invite.
type AcceptInviteTool struct{}

func (t *AcceptInviteTool) Name() string { return "accept_invite" }

func (t *AcceptInviteTool) Description() string {
	return "Accept a pending Matrix room invite listed under system notifications."
}

func (t *AcceptInviteTool) Group() Group { return GroupRooms }

func (t *AcceptInviteTool) Schema() json.RawMessage {
	return reflectSchema(&acceptInviteParams{})
}

func (t *AcceptInviteTool) Execute(ctx context.Context, raw json.RawMessage, actx *ActionContext) (*Result, error) {
	var p acceptInviteParams
	if err := json.Unmarshal(raw, &p); err != nil {
		return Failf("invalid parameters: %v", err), nil
	}

	rm, fail := roomManager(actx)
	if fail != nil {
		return fail, nil
	}
	if err := rm.AcceptInvite(ctx, p.ChannelID); err != nil {
		return Failf("accept failed: %v", err), nil
	}

	if actx.World != nil {
		actx.World.RemovePendingInvite(p.ChannelID, models.PlatformMatrix)
		actx.World.UpdateChannelStatus(p.ChannelID, models.PlatformMatrix, models.ChannelJoined)
	}
	return OK(map[string]any{"channel_id": p.ChannelID, "status": string(models.ChannelJoined)}), nil
}

type declineInviteParams struct {
	ChannelID string `json:"channel_id" jsonschema:"required,description=Room ID of the pending invite to decline"`
}

// DeclineInviteTool declines a pending room invite.
type DeclineInviteTool struct{}

func (t *DeclineInviteTool) Name() string { return "decline_invite" }

func (t *DeclineInviteTool) Description() string {
	return "Decline a pending Matrix room invite."
}

func (t *DeclineInviteTool) Group() Group { return GroupRooms }

func (t *DeclineInviteTool) Schema() json.RawMessage {
	return reflectSchema(&declineInviteParams{})
}

func (t *DeclineInviteTool) Execute(ctx context.Context, raw json.RawMessage, actx *ActionContext) (*Result, error) {
	var p declineInviteParams
	if err := json.Unmarshal(raw, &p); err != nil {
		return Failf("invalid parameters: %v", err), nil
	}

	rm, fail := roomManager(actx)
	if fail != nil {
		return fail, nil
	}
	if err := rm.DeclineInvite(ctx, p.ChannelID); err != nil {
		return Failf("decline failed: %v", err), nil
	}

	if actx.World != nil {
		actx.World.RemovePendingInvite(p.ChannelID, models.PlatformMatrix)
	}
	return OK(map[string]any{"channel_id": p.ChannelID, "declined": true}), nil
}
