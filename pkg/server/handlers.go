package server

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"

	"github.com/illmade-knight/go-iot-simulator/pkg/device"
	"github.com/illmade-knight/go-iot-simulator/pkg/payload"
	"github.com/illmade-knight/go-iot-simulator/pkg/simulator"
)

// Message types and bodies offered by the simulator form.
const (
	MessageTypeText       = "Text Content"
	MessageTypeFileUpload = "File Upload"
	MessageBodyDummyJSON  = "Dummy Json"
	MessageBodyPlainText  = "Plain Text"
)

const maxBodyBytes = 1 << 20

// flexInt accepts a JSON number or a numeric string, as form fields arrive either way.
type flexInt int64

func (f *flexInt) UnmarshalJSON(data []byte) error {
	s := string(bytes.Trim(data, `"`))
	if s == "" || s == "null" {
		*f = 0
		return nil
	}
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return fmt.Errorf("%q is not a whole number", s)
	}
	*f = flexInt(n)
	return nil
}

type sendRequest struct {
	MessageType             string   `json:"messageType" validate:"required"`
	MessageBody             string   `json:"messageBody"`
	DeviceConnectionStrings []string `json:"deviceConnectionStrings" validate:"required_without=DeviceIDs,dive,required"`
	DeviceIDs               []string `json:"deviceIds" validate:"dive,required"`
	Message                 string   `json:"message"`
	Numbers                 flexInt  `json:"numbers"`
	Times                   flexInt  `json:"times"`
	Interval                flexInt  `json:"interval" validate:"gte=0"`
	IntervalUnit            string   `json:"intervalUnit"`
}

type sendResponse struct {
	RunID string `json:"runId"`
	Total int    `json:"total"`
}

type pollingResponse struct {
	NumberOfSentMessage       int             `json:"numberOfSentMessage"`
	NumberOfSuccessfulMessage int             `json:"numberOfSuccessfulMessage"`
	NumberOfFailedMessage     int             `json:"numberOfFailedMessage"`
	NumberOfTotalMessage      int             `json:"numberOfTotalMessage"`
	IsProcessing              bool            `json:"isProcessing"`
	State                     simulator.State `json:"state"`
	RunID                     string          `json:"runId,omitempty"`
	Summary                   string          `json:"summary"`
}

type cancelRequest struct {
	Cancel bool `json:"cancel"`
}

type templateRequest struct {
	Template string `json:"template" validate:"required"`
}

func (s *Server) decode(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	defer func() { _ = r.Body.Close() }()
	if err := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes)).Decode(v); err != nil {
		s.logger.Warn().Err(err).Str("path", r.URL.Path).Msg("Error parsing body")
		writeError(w, http.StatusBadRequest, "can't unmarshal body")
		return false
	}
	if err := s.validate.Struct(v); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid payload: %s", err.Error()))
		return false
	}
	return true
}

func (s *Server) getInputDeviceList(w http.ResponseWriter, r *http.Request) {
	if s.registry == nil {
		writeJSON(w, http.StatusOK, []device.Device{})
		return
	}
	devices, err := s.registry.ListDevices(r.Context())
	if err != nil {
		s.logger.Error().Err(err).Msg("Failed to list devices")
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, devices)
}

func (s *Server) getHubHostName(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.config.HubHostName)
}

// getPreselected answers "" when no device is preselected.
func (s *Server) getPreselected(w http.ResponseWriter, r *http.Request) {
	if s.config.PreselectedDevice == "" || s.registry == nil {
		writeJSON(w, http.StatusOK, "")
		return
	}
	d, err := s.registry.Fetch(r.Context(), s.config.PreselectedDevice)
	if err != nil {
		s.logger.Warn().Err(err).Str("device_id", s.config.PreselectedDevice).Msg("Preselected device is unavailable")
		writeJSON(w, http.StatusOK, "")
		return
	}
	writeJSON(w, http.StatusOK, d)
}

func (s *Server) polling(w http.ResponseWriter, _ *http.Request) {
	status := s.dispatcher.Status()
	writeJSON(w, http.StatusOK, pollingResponse{
		NumberOfSentMessage:       status.Aggregate.Sent,
		NumberOfSuccessfulMessage: status.Aggregate.Succeeded,
		NumberOfFailedMessage:     status.Aggregate.Failed,
		NumberOfTotalMessage:      status.Aggregate.Total,
		IsProcessing:              status.IsProcessing(),
		State:                     status.State,
		RunID:                     status.RunID,
		Summary:                   status.Summary(),
	})
}

func (s *Server) send(w http.ResponseWriter, r *http.Request) {
	var body sendRequest
	if !s.decode(w, r, &body) {
		return
	}
	req, err := s.toRequest(r.Context(), body)
	if err == nil {
		err = req.Validate()
	}
	if err != nil {
		s.writeSendError(w, err)
		return
	}

	// The run outlives this request; only Cancel or shutdown ends it.
	run, err := s.dispatcher.Start(context.WithoutCancel(r.Context()), req)
	if err != nil {
		s.writeSendError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, sendResponse{RunID: run.ID(), Total: req.Total()})
}

func (s *Server) toRequest(ctx context.Context, body sendRequest) (simulator.Request, error) {
	var isTemplate bool
	switch body.MessageType {
	case MessageTypeText:
		switch body.MessageBody {
		case MessageBodyDummyJSON:
			isTemplate = true
		case MessageBodyPlainText:
		default:
			return simulator.Request{}, fmt.Errorf("%w: unsupported message body %q", simulator.ErrInvalidInput, body.MessageBody)
		}
	default:
		return simulator.Request{}, fmt.Errorf("%w: unsupported message type %q", simulator.ErrInvalidInput, body.MessageType)
	}

	targets := body.DeviceConnectionStrings
	if len(body.DeviceIDs) > 0 {
		if s.registry == nil {
			return simulator.Request{}, fmt.Errorf("%w: device ids need a device registry", simulator.ErrInvalidInput)
		}
		resolved, err := device.ResolveTargets(ctx, s.registry, body.DeviceIDs)
		if err != nil {
			if errors.Is(err, device.ErrDeviceNotFound) {
				return simulator.Request{}, fmt.Errorf("%w: %w", simulator.ErrInvalidInput, err)
			}
			return simulator.Request{}, err
		}
		targets = append(append([]string(nil), targets...), resolved...)
	}

	iterations := body.Numbers
	if iterations == 0 {
		iterations = body.Times
	}
	unit, err := simulator.ParseIntervalUnit(body.IntervalUnit)
	if err != nil {
		return simulator.Request{}, err
	}
	interval, err := simulator.ToDuration(int64(body.Interval), unit)
	if err != nil {
		return simulator.Request{}, err
	}

	return simulator.Request{
		Targets:    targets,
		Template:   body.Message,
		IsTemplate: isTemplate,
		Iterations: int(iterations),
		Interval:   interval,
	}, nil
}

func (s *Server) writeSendError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, simulator.ErrInvalidInput):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, simulator.ErrConcurrentRun):
		writeError(w, http.StatusConflict, err.Error())
	default:
		s.logger.Error().Err(err).Msg("Failed to start run")
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}

func (s *Server) cancel(w http.ResponseWriter, r *http.Request) {
	var body cancelRequest
	if !s.decode(w, r, &body) {
		return
	}
	if body.Cancel {
		s.dispatcher.Cancel()
	}
	w.WriteHeader(http.StatusOK)
}

// generateRandomJSON answers with the expansion as a JSON string value.
func (s *Server) generateRandomJSON(w http.ResponseWriter, r *http.Request) {
	var body templateRequest
	if !s.decode(w, r, &body) {
		return
	}
	out, err := payload.Preview(body.Template)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, string(out))
}

func (s *Server) persistInputs(w http.ResponseWriter, r *http.Request) {
	defer func() { _ = r.Body.Close() }()
	data, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		writeError(w, http.StatusBadRequest, "can't read body")
		return
	}
	if err := s.inputs.Save(data); err != nil {
		s.logger.Warn().Err(err).Msg("Failed to persist inputs")
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (s *Server) getPersistedInputs(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(s.inputs.Load())
}
