package template

import (
	"fmt"
	"strconv"

	"github.com/winfleet/winfleet/internal/job"
)

// builtin template ids.
const (
	BuiltinCalculator = "calculator-basic"
	BuiltinNotepad    = "notepad-typing"
)

// registerBuiltins installs the shipped templates and their derived rules.
func registerBuiltins(e *Engine) {
	_ = e.Register(calculatorTemplate())
	e.RegisterDerive(BuiltinCalculator, deriveCalculatorResult)
	_ = e.Register(notepadTemplate())
}

func calculatorTemplate() *Template {
	return &Template{
		ID:              BuiltinCalculator,
		Name:            "Basic Calculator Operation",
		Description:     "Performs a two-operand arithmetic operation and validates the result",
		ApplicationPath: "calc.exe",
		Parameters: []Parameter{
			{Name: "operand1", Type: ParamNumber, Required: true},
			{Name: "operand2", Type: ParamNumber, Required: true},
			{Name: "operation", Type: ParamString, Required: true, ValidationPattern: `^(add|subtract|multiply|divide)$`},
		},
		Steps: []job.Step{
			{Order: 1, Type: job.StepTypeText, Target: "display", Value: "{operand1}", TimeoutMs: 5000},
			{Order: 2, Type: job.StepClick, Target: "button:{operation}", TimeoutMs: 5000},
			{Order: 3, Type: job.StepTypeText, Target: "display", Value: "{operand2}", TimeoutMs: 5000},
			{Order: 4, Type: job.StepClick, Target: "button:equals", TimeoutMs: 5000},
			{Order: 5, Type: job.StepValidate, Target: "display", Value: "{result}", TimeoutMs: 5000,
				Description: "Expect {operand1} {operation} {operand2} = {result}"},
		},
	}
}

// deriveCalculatorResult computes the {result} parameter from the operands.
func deriveCalculatorResult(params map[string]string) (map[string]string, error) {
	a, err := strconv.ParseFloat(params["operand1"], 64)
	if err != nil {
		return nil, fmt.Errorf("operand1 '%s' is not a number", params["operand1"])
	}
	b, err := strconv.ParseFloat(params["operand2"], 64)
	if err != nil {
		return nil, fmt.Errorf("operand2 '%s' is not a number", params["operand2"])
	}

	var result float64
	switch params["operation"] {
	case "add":
		result = a + b
	case "subtract":
		result = a - b
	case "multiply":
		result = a * b
	case "divide":
		if b == 0 {
			return nil, fmt.Errorf("division by zero")
		}
		result = a / b
	default:
		return nil, fmt.Errorf("unknown operation '%s'", params["operation"])
	}
	return map[string]string{"result": strconv.FormatFloat(result, 'f', -1, 64)}, nil
}

func notepadTemplate() *Template {
	return &Template{
		ID:              BuiltinNotepad,
		Name:            "Notepad Text Entry",
		Description:     "Types text into notepad and saves the document",
		ApplicationPath: "notepad.exe",
		Parameters: []Parameter{
			{Name: "text", Type: ParamString, Required: true},
			{Name: "filename", Type: ParamString, Required: false, Default: "untitled.txt",
				ValidationPattern: `^[\w.\- ]+$`},
		},
		Steps: []job.Step{
			{Order: 1, Type: job.StepSetText, Target: "editor", Value: "{text}", TimeoutMs: 5000},
			{Order: 2, Type: job.StepKeyPress, Target: "editor", Value: "Ctrl+S", TimeoutMs: 5000},
			{Order: 3, Type: job.StepTypeText, Target: "dialog:filename", Value: "{filename}", TimeoutMs: 5000},
			{Order: 4, Type: job.StepClick, Target: "dialog:save", TimeoutMs: 5000},
			{Order: 5, Type: job.StepValidate, Target: "titlebar", Value: "{filename}", TimeoutMs: 5000},
		},
	}
}
